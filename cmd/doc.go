// Package cmd implements the mkv command-line tool. Every command operates on
// the map file given by --path (or MKV_PATH), which is created on first use
// with the geometry derived from the map flags.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for single key operations (set, setnx, get, del, has) and the perf benchmark
//   - admin: Commands operating on the whole map (create, info, sweep, snapshot)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See mkv -help for a list of all commands.
package cmd
