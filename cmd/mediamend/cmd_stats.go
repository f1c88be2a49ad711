package main

import (
	"github.com/spf13/cobra"
)

var statsHistory int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog counts per media type and recent scans",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVar(&statsHistory, "history", 5, "Number of recent scans to list")
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	stats, err := a.store.Stats(ctx, a.cfg.Library.Types())
	if err != nil {
		return err
	}
	history, err := a.store.ScanHistory(ctx, statsHistory)
	if err != nil {
		return err
	}
	newReporter(cmd.OutOrStdout(), cmd.ErrOrStderr()).stats(stats, history)
	return nil
}
