package dstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/mKV/lib/db"
	"github.com/ValentinKolb/mKV/lib/store"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localNode applies proposals directly to a state machine, standing in for a
// single replica shard.
type localNode struct {
	mu    sync.Mutex
	fsm   *KVStateMachine
	index uint64

	busy       int // number of calls rejected with ErrSystemBusy
	staleReads int
	syncReads  int
}

func (n *localNode) GetNoOPSession(shardID uint64) *client.Session {
	return &client.Session{ShardID: shardID}
}

func (n *localNode) rejectBusy() bool {
	if n.busy > 0 {
		n.busy--
		return true
	}
	return false
}

func (n *localNode) SyncPropose(_ context.Context, _ *client.Session, cmd []byte) (sm.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rejectBusy() {
		return sm.Result{}, dragonboat.ErrSystemBusy
	}
	n.index++
	entries, err := n.fsm.Update([]sm.Entry{{Index: n.index, Cmd: cmd}})
	if err != nil {
		return sm.Result{}, err
	}
	return entries[0].Result, nil
}

func (n *localNode) SyncRead(_ context.Context, _ uint64, query interface{}) (interface{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rejectBusy() {
		return nil, dragonboat.ErrSystemBusy
	}
	n.syncReads++
	return n.fsm.Lookup(query)
}

func (n *localNode) StaleRead(_ uint64, query interface{}) (interface{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.staleReads++
	return n.fsm.Lookup(query)
}

func newTestStore(t *testing.T, cfg Config) (*storeImpl, *localNode) {
	t.Helper()
	node := &localNode{fsm: newTestMachine(t)}
	return newStore(node, 1, cfg), node
}

func TestDistributedStoreOperations(t *testing.T) {
	s, node := newTestStore(t, Config{})
	assert.Equal(t, DefaultConfig(), s.cfg)

	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.SetIfUnset("a", []byte("2")))
	require.NoError(t, s.SetIfUnset("b", []byte("3")))

	v, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete("b"))
	found, err := s.Has("b")
	require.NoError(t, err)
	assert.False(t, found)

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := s.GetDBInfo()
	require.NoError(t, err)
	assert.Equal(t, db.ImplCedar, info.DbType)

	assert.Equal(t, 3, node.syncReads)
	assert.Equal(t, 1, node.staleReads)
	assert.Equal(t, uint64(4), node.fsm.database.WriteIdx())
	assert.NoError(t, s.Close())
}

func TestDistributedStoreStaleReads(t *testing.T) {
	s, node := newTestStore(t, Config{StaleReads: true})
	require.NoError(t, s.Set("k", []byte("v")))

	_, _, err := s.Get("k")
	require.NoError(t, err)
	_, err = s.Has("k")
	require.NoError(t, err)

	assert.Equal(t, 0, node.syncReads)
	assert.Equal(t, 2, node.staleReads)
}

func TestDistributedStoreRetriesWhenBusy(t *testing.T) {
	s, node := newTestStore(t, Config{Timeout: 10 * time.Millisecond, Retries: 3})

	node.busy = 2
	require.NoError(t, s.Set("k", []byte("v")))

	node.busy = 2
	found, err := s.Has("k")
	require.NoError(t, err)
	assert.True(t, found)

	node.busy = 3
	err = s.Set("k", []byte("w"))
	var se *store.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, store.RetCInternalError, se.Code)
	assert.Contains(t, se.Msg, "system busy after 3 attempts")
}

func TestDistributedStoreReturnsStateMachineCodes(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	// larger than MaxChunksPerEntry chunks
	err := s.Set("big", make([]byte, 4096))
	var se *store.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, store.RetCValueTooLarge, se.Code)

	_, ok, err := s.Get("big")
	require.NoError(t, err)
	assert.False(t, ok)
}
