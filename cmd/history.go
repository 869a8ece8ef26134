package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"devloop/internal/history"
	"devloop/internal/paths"
	"devloop/internal/report"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sessions for this project",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20,
		"maximum sessions to list")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false,
		"emit history as JSON")
}

func runHistory(_ *cobra.Command, _ []string) error {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return fmt.Errorf("resolving project path: %w", err)
	}

	sd := paths.Resolve(abs)
	store, err := history.Open(sd.HistoryDB(), cfg.History.Keep)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() { _ = store.Close() }()

	entries, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}

	rows := make([]report.HistoryEntry, len(entries))
	for i, e := range entries {
		rows[i] = report.HistoryEntry{
			ID:        e.ID,
			Mode:      e.Mode,
			StartedAt: e.StartedAt,
			EndedAt:   e.EndedAt,
			ExitCode:  e.ExitCode,
			Recovery:  e.Recovery,
			Restarts:  e.Restarts,
		}
	}
	return report.NewFormatter(os.Stdout, historyJSON).FormatHistory(rows)
}
