package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/pruneworks/dcp/state"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the storage directory and refresh stats on change",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveDir()
		if err != nil {
			return err
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}

		refresh := func() {
			result, err := state.AggregateStats(dir)
			if err != nil {
				fmt.Fprintln(os.Stderr, "aggregate failed:", err)
				return
			}
			printStats(result)
			fmt.Println()
		}
		refresh()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		var pending *time.Timer
		debounced := make(chan struct{}, 1)
		for {
			select {
			case <-sig:
				return nil
			case <-debounced:
				refresh()
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				// Temp files from atomic writes churn constantly; only the
				// renamed .json results matter.
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(watchDebounce, func() {
					select {
					case debounced <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				fmt.Fprintln(os.Stderr, "watch error:", err)
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond,
		"delay between a file change and the stats refresh")
}
