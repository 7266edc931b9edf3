// Package util provides shared building blocks for the storage engines
// behind the db.KVDB interface.
//
// The package contains:
//   - hash: the 64-bit key hash used to route keys to segments
//   - mapheap: a keyed priority queue, used to schedule tombstone cleanup
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer (MPSC) queue handing work from writers to background goroutines
//   - statistics: distribution metrics and a SizeHistogram for entry sizes
package util
