package cedar

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now atomic.Uint64
}

func newFakeClock(start uint64) *fakeClock {
	c := &fakeClock{}
	c.now.Store(start)
	return c
}

func (c *fakeClock) Now() uint64    { return c.now.Load() }
func (c *fakeClock) Set(now uint64) { c.now.Store(now) }

func replicatedOptions(clock TimeSource, listener ChangeListener) *Options {
	o := smallOptions()
	o.Replication = &ReplicationOptions{
		Identifier:     7,
		CleanupTimeout: 100,
		TimeSource:     clock,
		Listener:       listener,
	}
	o.SweepInterval = time.Hour
	return o
}

type eventRecorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *eventRecorder) listen(ev ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeEvent(nil), r.events...)
}

func TestTombstoneLifecycle(t *testing.T) {
	clock := newFakeClock(1000)
	m := openMap(t, replicatedOptions(clock, nil))
	assert.True(t, m.Replicated())

	put(t, m, "k", "v")
	info, err := m.Inspect([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, EntryInfo{Present: true, Timestamp: 1000, Origin: 7}, info)

	clock.Set(1010)
	_, removed, err := m.Remove([]byte("k"))
	require.NoError(t, err)
	require.True(t, removed)

	info, err = m.Inspect([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, EntryInfo{Tombstone: true, Timestamp: 1010, Origin: 7}, info)
	_, ok := get(t, m, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), m.Len())

	// removing a tombstone is a no-op
	_, removed, err = m.Remove([]byte("k"))
	require.NoError(t, err)
	assert.False(t, removed)

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Tombstones)

	clock.Set(1050)
	n, err := m.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "tombstone is younger than the cleanup timeout")

	clock.Set(1110)
	n, err = m.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err = m.Inspect([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, EntryInfo{}, info)
	st, err = m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Tombstones)
	assert.Equal(t, int64(0), st.UsedChunks)
	require.NoError(t, m.CheckAllocation())
}

func TestPutRevivesTombstone(t *testing.T) {
	clock := newFakeClock(1000)
	m := openMap(t, replicatedOptions(clock, nil))

	put(t, m, "k", "old")
	_, _, err := m.Remove([]byte("k"))
	require.NoError(t, err)

	clock.Set(1001)
	res := put(t, m, "k", "new")
	assert.False(t, res.Present)

	v, ok := get(t, m, "k")
	assert.True(t, ok)
	assert.Equal(t, "new", v)

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Entries)
	assert.Equal(t, int64(0), st.Tombstones)

	// the revived entry must not be erased by a later sweep
	clock.Set(5000)
	n, err := m.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, ok = get(t, m, "k")
	assert.True(t, ok)
}

func TestBackgroundSweeper(t *testing.T) {
	clock := newFakeClock(1000)
	o := replicatedOptions(clock, nil)
	o.SweepInterval = 5 * time.Millisecond
	m := openMap(t, o)

	for _, k := range []string{"a", "b", "c"} {
		put(t, m, k, "v")
		_, _, err := m.Remove([]byte(k))
		require.NoError(t, err)
	}

	// nothing is due yet
	time.Sleep(20 * time.Millisecond)
	info, err := m.Inspect([]byte("a"))
	require.NoError(t, err)
	assert.True(t, info.Tombstone)

	clock.Set(2000)
	require.Eventually(t, func() bool {
		st, err := m.Stats()
		return err == nil && st.Tombstones == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.CheckAllocation())
}

func TestChangeListener(t *testing.T) {
	clock := newFakeClock(1000)
	rec := &eventRecorder{}
	m, err := Open(replicatedOptions(clock, rec.listen))
	require.NoError(t, err)

	put(t, m, "a", "1")
	clock.Set(1001)
	put(t, m, "a", "2")
	clock.Set(1002)
	_, _, err = m.Remove([]byte("a"))
	require.NoError(t, err)
	_, err = m.PutStamped([]byte("b"), []byte("remote"), Stamp{Timestamp: 900, Origin: 3})
	require.NoError(t, err)

	// no event for operations that change nothing
	_, _, err = m.PutIfAbsent([]byte("b"), []byte("ignored"))
	require.NoError(t, err)

	// Close delivers the pending events
	require.NoError(t, m.Close())

	events := rec.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, ChangeEvent{Segment: 0, Key: []byte("a"), Value: []byte("1"), Timestamp: 1000, Origin: 7}, events[0])
	assert.Equal(t, ChangeEvent{Segment: 0, Key: []byte("a"), Value: []byte("2"), Timestamp: 1001, Origin: 7}, events[1])
	assert.Equal(t, ChangeEvent{Segment: 0, Key: []byte("a"), Timestamp: 1002, Origin: 7, Removed: true}, events[2])
	assert.Equal(t, ChangeEvent{Segment: 0, Key: []byte("b"), Value: []byte("remote"), Timestamp: 900, Origin: 3}, events[3])
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	var delivered atomic.Int32
	listener := func(ev ChangeEvent) {
		delivered.Add(1)
		if string(ev.Key) == "boom" {
			panic("listener failure")
		}
	}
	m, err := Open(replicatedOptions(newFakeClock(1), listener))
	require.NoError(t, err)

	put(t, m, "boom", "v")
	put(t, m, "fine", "v")
	require.NoError(t, m.Close())
	assert.Equal(t, int32(2), delivered.Load())
}

func TestStampedOperations(t *testing.T) {
	m := openMap(t, replicatedOptions(newFakeClock(1000), nil))

	_, err := m.PutStamped([]byte("k"), []byte("v"), Stamp{Timestamp: 500, Origin: 3})
	require.NoError(t, err)
	info, err := m.Inspect([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, EntryInfo{Present: true, Timestamp: 500, Origin: 3}, info)

	res, err := m.RemoveStamped([]byte("k"), Stamp{Timestamp: 600, Origin: 4})
	require.NoError(t, err)
	assert.Equal(t, OpRemove, res.Applied)
	info, err = m.Inspect([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, EntryInfo{Tombstone: true, Timestamp: 600, Origin: 4}, info)
}

func TestReplicationOnPlainMap(t *testing.T) {
	m := openMap(t, smallOptions())
	assert.False(t, m.Replicated())

	_, err := m.PutStamped([]byte("k"), []byte("v"), Stamp{Timestamp: 1})
	assert.ErrorIs(t, err, ErrNotReplicated)
	_, err = m.RemoveStamped([]byte("k"), Stamp{Timestamp: 1})
	assert.ErrorIs(t, err, ErrNotReplicated)
	_, err = m.Sweep()
	assert.ErrorIs(t, err, ErrNotReplicated)

	// removals on a plain map free the entry immediately
	put(t, m, "k", "v")
	_, _, err = m.Remove([]byte("k"))
	require.NoError(t, err)
	info, err := m.Inspect([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, EntryInfo{}, info)
}

func TestTombstonesRegisteredAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicated.cedar")
	clock := newFakeClock(1000)

	o := replicatedOptions(clock, nil)
	o.Path = path
	m, err := Open(o)
	require.NoError(t, err)
	for _, k := range []string{"a", "b"} {
		put(t, m, k, "v")
		_, _, err = m.Remove([]byte(k))
		require.NoError(t, err)
	}
	put(t, m, "live", "v")
	require.NoError(t, m.Close())

	clock.Set(5000)
	o.SweepInterval = 5 * time.Millisecond
	m, err = Open(o)
	require.NoError(t, err)
	defer m.Close()
	assert.False(t, m.Created())

	require.Eventually(t, func() bool {
		st, err := m.Stats()
		return err == nil && st.Tombstones == 0
	}, 2*time.Second, 5*time.Millisecond)

	v, ok := get(t, m, "live")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
