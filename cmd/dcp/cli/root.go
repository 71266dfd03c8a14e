// Package cli implements the dcp reporting commands: aggregate pruning
// stats, per-session listings, and a live watch over the storage directory.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/pruneworks/dcp/state"
)

var storageDir string

var rootCmd = &cobra.Command{
	Use:           "dcp",
	Short:         "Inspect dynamic context pruning state",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storageDir, "dir", "",
		"storage directory (defaults to the XDG data location)")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(watchCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func resolveDir() (string, error) {
	if storageDir != "" {
		return storageDir, nil
	}
	return state.DefaultDir()
}
