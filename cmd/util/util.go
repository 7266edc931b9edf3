package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/mKV/lib/db"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar"
	"github.com/ValentinKolb/mKV/lib/logging"
	"github.com/ValentinKolb/mKV/lib/store"
	"github.com/ValentinKolb/mKV/lib/store/lstore"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files and makes every flag settable through an
// MKV_ prefixed environment variable (e.g. MKV_AVG_VALUE_SIZE).
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("mkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.Flags())
}

// InitLogging configures the loggers from the log-level setting.
func InitLogging() error {
	return logging.InitLoggers(viper.GetString("log-level"))
}

// SetupMapFlags adds the flags describing the map file to a command.
func SetupMapFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	key := "path"
	flags.String(key, "mkv.cedar", WrapString("Path of the map file, it is created if it does not exist"))

	key = "entries"
	flags.Int64(key, 1<<16, WrapString("Expected number of entries (only used when the map is created)"))

	key = "avg-key-size"
	flags.Int64(key, 16, WrapString("Average key size in bytes (only used when the map is created)"))

	key = "avg-value-size"
	flags.Int64(key, 64, WrapString("Average value size in bytes (only used when the map is created)"))

	key = "segments"
	flags.Int64(key, 0, WrapString("Number of segments, 0 derives it from the entries and the CPU count"))

	key = "max-chunks"
	flags.Int64(key, 0, WrapString("Maximum number of chunks per entry (1-64), 0 for the default"))

	key = "bloat"
	flags.Float64(key, 1.0, WrapString("Tier budget as a multiple of the segment count, exceeding it is logged"))

	key = "checksums"
	flags.Bool(key, false, WrapString("Store a checksum with every entry and verify it on read"))

	key = "cleanup-timeout"
	flags.Uint64(key, 1000, WrapString("Number of writes after which a tombstone may be swept"))

	key = "replica-id"
	flags.Uint8(key, 0, WrapString("Origin identifier written with local changes"))
}

// GetMapOptions reads the map options from viper.
func GetMapOptions() *cedar.Options {
	o := cedar.DefaultOptions()
	o.Path = viper.GetString("path")
	o.Name = viper.GetString("path")
	o.Entries = viper.GetInt64("entries")
	o.AverageKeySize = viper.GetInt64("avg-key-size")
	o.AverageValueSize = viper.GetInt64("avg-value-size")
	o.ActualSegments = viper.GetInt64("segments")
	o.MaxChunksPerEntry = viper.GetInt64("max-chunks")
	o.MaxBloatFactor = viper.GetFloat64("bloat")
	o.ChecksumEntries = viper.GetBool("checksums")
	o.Replication = &cedar.ReplicationOptions{
		Identifier:     uint8(viper.GetUint("replica-id")),
		CleanupTimeout: viper.GetUint64("cleanup-timeout"),
	}
	return o
}

// OpenDB opens the configured map behind the db.KVDB interface.
func OpenDB() (db.KVDB, error) {
	o := GetMapOptions()
	if o.Path == "" {
		return nil, fmt.Errorf("no map path configured (--path or MKV_PATH)")
	}
	return cedar.NewCedarDB(o)
}

// OpenStore opens the configured map as a local store.
func OpenStore() (store.IStore, error) {
	return lstore.NewLocalStore(OpenDB)
}
