package cli

import (
	"fmt"
	"strconv"

	runewidth "github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/pruneworks/dcp/state"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List per-session pruning state",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveDir()
		if err != nil {
			return err
		}
		store, err := state.NewFileStore(dir)
		if err != nil {
			return err
		}
		ids, err := store.List()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s %s\n",
			runewidth.FillRight("SESSION", 28),
			runewidth.FillRight("TOKENS", 10),
			runewidth.FillRight("TOOLS", 8),
			"BLOCKS")
		for _, id := range ids {
			snap, err := store.Load(id)
			if err != nil {
				continue
			}
			name := id
			if snap.SessionName != "" {
				name = fmt.Sprintf("%s (%s)", id, snap.SessionName)
			}
			fmt.Printf("%s %s %s %s\n",
				runewidth.FillRight(runewidth.Truncate(name, 28, "…"), 28),
				runewidth.FillRight(strconv.Itoa(snap.Stats.TotalPruneTokens), 10),
				runewidth.FillRight(strconv.Itoa(len(snap.Prune.Tools)), 8),
				strconv.Itoa(len(snap.CompressSummaries)))
		}
		return nil
	},
}
