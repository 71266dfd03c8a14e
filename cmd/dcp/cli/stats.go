package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/pruneworks/dcp/state"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate pruning stats across all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveDir()
		if err != nil {
			return err
		}
		result, err := state.AggregateStats(dir)
		if err != nil {
			return err
		}
		printStats(result)
		return nil
	},
}

func printStats(result *state.AggregateResult) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
	bold := color.New(color.Bold)
	bold.Println("Dynamic context pruning")
	printRow("Sessions", strconv.Itoa(result.SessionCount))
	printRow("Tokens saved", strconv.Itoa(result.TotalTokens))
	printRow("Tools pruned", strconv.Itoa(result.TotalTools))
	printRow("Messages pruned", strconv.Itoa(result.TotalMessages))
}

func printRow(label, value string) {
	fmt.Printf("  %s %s\n",
		runewidth.FillRight(label, 18),
		color.GreenString(value))
}
