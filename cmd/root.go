package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/mKV/cmd/admin"
	"github.com/ValentinKolb/mKV/cmd/kv"
	"github.com/ValentinKolb/mKV/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.4.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "mkv",
		Short: "memory-mapped key-value map",
		Long: fmt.Sprintf(`mKV (v%s)

An off-heap, segmented hash map stored in a memory-mapped file,
shared by every process that opens the same file.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mKV v%s\n", Version)
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(admin.CreateCmd)
	RootCmd.AddCommand(admin.InfoCmd)
	RootCmd.AddCommand(admin.SweepCmd)
	RootCmd.AddCommand(admin.UnlockCmd)
	RootCmd.AddCommand(admin.SnapshotCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupMapFlags(RootCmd)
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("Log level (debug, info, warn, error)"))
}

// setup binds the flags of the executed command and configures logging.
func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return util.InitLogging()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
