// Package admin implements the commands that operate on a map file as a
// whole: create, info, sweep and snapshot save/load.
package admin

import "github.com/lni/dragonboat/v4/logger"

var log = logger.GetLogger("cli")
