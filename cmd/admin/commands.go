package admin

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ValentinKolb/mKV/cmd/util"
	"github.com/ValentinKolb/mKV/lib/db"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// CreateCmd creates a map file with the geometry given by the map flags
	CreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Creates a map file",
		Long: util.WrapString(`Creates the map file given by --path with the geometry derived from the map flags.
An existing file is left untouched if its geometry is compatible.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMap(func(_ db.KVDB, m *cedar.Map) error {
				stats, err := m.Stats()
				if err != nil {
					return err
				}
				state := "opened existing"
				if m.Created() {
					state = "created"
				}
				fmt.Printf("%s map %s: segments=%d, chunk size=%d, tiers=%d/%d, mapped=%d bytes\n",
					state, viper.GetString("path"), stats.Segments, stats.ChunkSize, stats.Tiers, stats.MaxTiers, stats.MappedBytes)
				return nil
			})
		},
	}

	// InfoCmd prints the statistics of a map file
	InfoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints statistics of a map file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMap(func(database db.KVDB, m *cedar.Map) error {
				if viper.GetBool("prometheus") {
					m.WritePrometheus(os.Stdout)
					return nil
				}
				if viper.GetBool("check") {
					if err := m.CheckAllocation(); err != nil {
						return err
					}
					log.Infof("allocation check of %s passed", viper.GetString("path"))
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(database.GetInfo())
			})
		},
	}

	// SweepCmd erases expired tombstones
	SweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Erases tombstones older than the cleanup timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMap(func(database db.KVDB, m *cedar.Map) error {
				n, err := m.Sweep()
				if err != nil {
					return err
				}
				fmt.Printf("swept %d tombstones (write index %d)\n", n, database.WriteIdx())
				return nil
			})
		},
	}

	// UnlockCmd releases segment locks left behind by a crashed process
	UnlockCmd = &cobra.Command{
		Use:   "unlock",
		Short: "Releases locks left behind by a crashed process",
		Long: util.WrapString(`Releases every segment lock and the tier allocation lock of the map file given by --path.
A process that dies while holding a lock leaves it set in the file and blocks every later writer.
The command fails while any other process has the file open.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMap(func(_ db.KVDB, m *cedar.Map) error {
				n, err := m.ResetLocks()
				if err != nil {
					return err
				}
				fmt.Printf("released locks of %d segments in %s\n", n, viper.GetString("path"))
				return nil
			})
		},
	}

	// SnapshotCommands groups the snapshot export and import
	SnapshotCommands = &cobra.Command{
		Use:   "snapshot",
		Short: "Saves or loads binary snapshots of a map file",
	}

	snapshotSaveCmd = &cobra.Command{
		Use:   "save [file]",
		Short: "Writes all live entries to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cedar.ParseCompression(viper.GetString("compression"))
			if err != nil {
				return err
			}
			return withMap(func(_ db.KVDB, m *cedar.Map) error {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				if err := m.Save(f, c); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("saved %d entries to %s (%s)\n", m.Len(), args[0], c)
				return nil
			})
		},
	}

	snapshotLoadCmd = &cobra.Command{
		Use:   "load [file]",
		Short: "Replaces the content of the map with a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMap(func(database db.KVDB, m *cedar.Map) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				// through the adapter, so the write index follows the loaded stamps
				if err := database.Load(f); err != nil {
					return err
				}
				fmt.Printf("loaded %d entries from %s\n", m.Len(), args[0])
				return nil
			})
		},
	}
)

func init() {
	InfoCmd.Flags().Bool("prometheus", false, util.WrapString("Print the metrics of the map in Prometheus text format"))
	InfoCmd.Flags().Bool("check", false, util.WrapString("Verify the chunk accounting of every tier before printing"))

	snapshotSaveCmd.Flags().String("compression", "zstd", util.WrapString("Compression of the snapshot body (none, zstd, lz4)"))

	SnapshotCommands.AddCommand(snapshotSaveCmd)
	SnapshotCommands.AddCommand(snapshotLoadCmd)
}

// withMap opens the map file given by the flags, runs fn and closes the map.
func withMap(fn func(database db.KVDB, m *cedar.Map) error) error {
	database, err := util.OpenDB()
	if err != nil {
		return err
	}
	m, ok := cedar.Unwrap(database)
	if !ok {
		_ = database.Close()
		return fmt.Errorf("unexpected database type %T", database)
	}

	if err := fn(database, m); err != nil {
		_ = database.Close()
		return err
	}
	if err := m.Sync(); err != nil {
		_ = database.Close()
		return err
	}
	return database.Close()
}
