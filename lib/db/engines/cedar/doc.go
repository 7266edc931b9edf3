// Package cedar implements a concurrent hash map whose entries live outside
// the Go heap, in anonymous memory or in a memory-mapped file.
//
// Layout:
//
//   - The map is split into segments. A key is routed to a segment by the high
//     bits of its 64-bit xxHash, so operations on different segments never
//     contend.
//   - Every segment owns a chain of tiers. A tier holds a header with the
//     segment lock and counters, an open-addressing hash lookup, a free-list
//     bitmap and a chunk area. Entries occupy a contiguous run of chunks.
//   - When a tier is full a new tier is appended from a bulk extent. Tiers are
//     never released. The MaxBloatFactor option sets a budget for appended
//     tiers that, when exceeded, is logged and counted, MaxTiers is the hard
//     limit.
//
// Locking:
//
// Each segment is guarded by a read/update/write lock stored in the mapped
// tier header, so several processes can share a file-backed map. Reads take
// the shared lock, mutations take the update lock and upgrade to exclusive
// before the first byte is written.
//
// Replication:
//
// A map opened with ReplicationOptions stores a timestamp and an origin with
// every entry, and removals leave tombstones. Changes are delivered to a
// ChangeListener after the segment lock is released. A sweeper erases
// tombstones once they are older than the cleanup timeout.
//
// Usage:
//
//	m, err := cedar.Open(&cedar.Options{Entries: 1_000_000, AverageKeySize: 16, AverageValueSize: 100})
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	if _, _, err := m.Put([]byte("Key"), []byte("Value")); err != nil {
//		return err
//	}
//	value, ok, err := m.Get([]byte("Key"))
//
// Typed maps convert keys and values with a Codec:
//
//	t, err := cedar.OpenTyped[int64, string](nil, cedar.Int64{}, cedar.String{})
//
// NewCedarDB exposes a map through the db.KVDB interface used by the stores.
package cedar
