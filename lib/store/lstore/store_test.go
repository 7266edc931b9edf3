package lstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/mKV/lib/db"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar"
	"github.com/ValentinKolb/mKV/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cedarFactory(o *cedar.Options) store.DBFactory {
	return func() (db.KVDB, error) { return cedar.NewCedarDB(o) }
}

func smallMap() *cedar.Options {
	return &cedar.Options{Entries: 1000, AverageKeySize: 8, AverageValueSize: 32, ActualSegments: 2}
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(cedarFactory(smallMap()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.SetIfUnset("a", []byte("2")))
	require.NoError(t, s.SetIfUnset("b", []byte("3")))

	v, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	v, ok, err = s.Get("b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)

	require.NoError(t, s.Delete("a"))
	ok, err = s.Has("a")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := s.GetDBInfo()
	require.NoError(t, err)
	assert.Equal(t, db.ImplCedar, info.DbType)
}

func TestLocalStoreErrorCodes(t *testing.T) {
	o := smallMap()
	o.MaxChunksPerEntry = 2
	s, err := NewLocalStore(cedarFactory(o))
	require.NoError(t, err)
	defer s.Close()

	err = s.Set("big", make([]byte, 4096))
	var se *store.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, store.RetCValueTooLarge, se.Code)

	_, err = NewLocalStore(cedarFactory(&cedar.Options{Alignment: 3}))
	require.True(t, errors.As(err, &se))
	assert.Equal(t, store.RetCInvalidOperation, se.Code)
}

func TestLocalStoreContinuesWriteIndex(t *testing.T) {
	o := smallMap()
	o.Path = filepath.Join(t.TempDir(), "store.cedar")

	s, err := NewLocalStore(cedarFactory(o))
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(k, []byte(k)))
	}
	require.NoError(t, s.Close())

	database, err := cedar.NewCedarDB(o)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), database.WriteIdx())
	require.NoError(t, database.Close())

	s, err = NewLocalStore(cedarFactory(o))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Set("d", []byte("d")))
	impl := s.(*storeImpl)
	assert.Equal(t, uint64(4), impl.db.WriteIdx())
}
