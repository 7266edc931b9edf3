// Package lstore implements a local, single-node key-value store based on the
// store.IStore interface. It is a thin wrapper around any db.KVDB
// implementation with automatic write index management. Whether data survives
// a restart depends on the database: a cedar map opened with a Path keeps its
// entries in the mapped file.
//
// Implementation Details:
//
//   - Write Index Management: The store keeps an atomic counter that is
//     incremented by every write. The cedar engine uses it as replication clock,
//     so it stamps entries and tombstones and decides when a tombstone may be
//     swept. On startup the counter continues at the database's WriteIdx.
//
//   - Feature Detection: Before executing operations, the store checks if the
//     underlying db.KVDB supports the requested feature. Unsupported operations
//     return RetCUnsupportedOperation.
//
//   - Error Mapping: Engine errors are converted into *store.Error values with
//     a return code (store.FromDBError), e.g. RetCValueTooLarge for entries
//     that exceed the maximum entry size.
//
// Usage Example:
//
//	factory := func() (db.KVDB, error) {
//		return cedar.NewCedarDB(&cedar.Options{Path: "data.cedar", Entries: 1 << 20})
//	}
//	s, err := lstore.NewLocalStore(factory)
//	if err != nil { ... }
//	defer s.Close()
//
//	err = s.Set("session:123", sessionData)
//	value, exists, err := s.Get("session:123")
//
// For replicated scenarios use the dstore package, which runs the same
// database inside a RAFT state machine.
package lstore
