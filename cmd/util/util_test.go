package util

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestMapOptionsFromFlagsAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "flags.cedar")
	t.Setenv("MKV_AVG_VALUE_SIZE", "512")
	InitConfig()

	cmd := &cobra.Command{Use: "test"}
	SetupMapFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--path", path, "--entries", "1000", "--segments", "4", "--checksums", "--replica-id", "3"}))
	require.NoError(t, BindCommandFlags(cmd))

	o := GetMapOptions()
	assert.Equal(t, path, o.Path)
	assert.Equal(t, int64(4), o.ActualSegments)
	assert.Equal(t, int64(512), o.AverageValueSize)
	assert.Equal(t, int64(16), o.AverageKeySize)
	assert.True(t, o.ChecksumEntries)
	require.NotNil(t, o.Replication)
	assert.Equal(t, uint8(3), o.Replication.Identifier)
	assert.Equal(t, uint64(1000), o.Replication.CleanupTimeout)

	s, err := OpenStore()
	require.NoError(t, err)
	require.NoError(t, s.Set("k", []byte("v")))
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, s.Close())
}

func TestOpenDBWithoutPath(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("path", "")

	_, err := OpenDB()
	assert.Error(t, err)
}
