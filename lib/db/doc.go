// Package db provides a standardized interface for key-value database implementations.
// It defines the KVDB interface that allows for consistent interaction with storage
// engines while abstracting implementation details.
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides methods for basic operations (Set, SetIfUnset, Get, Has, Delete),
//     metadata retrieval (GetInfo) and persistence operations (Save, Load).
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
//   - Implementation Identifiers: The Implementation type provides string constants
//     for the database backends (currently "cedar").
//
//   - Database Information: The DatabaseInfo structure reports the database state,
//     including estimated size, implementation type and implementation-specific metadata.
//
// Note on Write Indices:
//   - All write operations take a write-index that serves as a logical timestamp. It is
//     recorded with the entry and advances the database's logical clock.
//   - If the caller needs to advance the logical time without performing a write
//     operation, the SetWriteIdx() method should be used.
//   - Monotonicity Guarantee: the write-index only increases. Attempts to set a lower
//     write-index are ignored.
//
// Note on Garbage Collection:
//   - Deleted entries may be kept internally (e.g. as tombstones of a replicated map)
//     and removed later by a garbage collector. Get() and Has() never report them.
//
// Related Packages:
//
// The engines/cedar package (github.com/ValentinKolb/mKV/lib/db/engines/cedar) implements
// the storage engine: a segmented hash map whose entries live in anonymous or file-backed
// mapped memory. NewCedarDB adapts it to the KVDB interface.
//
// The testing package (github.com/ValentinKolb/mKV/lib/db/testing) provides
// standardized tests and benchmarks for implementations of the KVDB interface.
//   - RunKVDBTests: Runs a standardized test suite to validate implementations
//   - RunKVDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
