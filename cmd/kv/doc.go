// Package kv implements the "mkv kv" command group: single key operations
// (set, setnx, get, del, has) and a latency benchmark on the map file given
// by --path.
package kv

import "github.com/lni/dragonboat/v4/logger"

var log = logger.GetLogger("cli")
