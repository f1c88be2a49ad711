package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mescon/Mediamend/internal/domain"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run a repair sweep over every failing file",
	Long: `Attempts to repair every file the catalog marks as failed, one at a time,
and revalidates each repaired file. Ctrl-C stops the sweep after the current
file; a second Ctrl-C aborts that file, keeping its backup.`,
	Args: cobra.NoArgs,
	RunE: runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rep := newReporter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	a.eventBus.Subscribe(domain.SweepProgress, func(e domain.Event) {
		rep.setProgress(int(e.GetInt64Or("completed", 0)), e.GetStringOr("file_path", ""))
	})

	h, err := a.sweeps.Start(cmd.Context())
	if err != nil {
		return err
	}
	total := a.sweeps.Progress().Total
	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No failing files to repair.")
	} else {
		rep.startBar(total, "repairing")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nStopping after the current file. Press Ctrl-C again to abort it.")
			h.Cancel()
		case <-h.Done():
			return
		}
		select {
		case <-sigCh:
			a.sweeps.Shutdown(context.Background())
		case <-h.Done():
		}
	}()

	progress, err := h.Wait(context.Background())
	if err != nil {
		return err
	}
	rep.sweepSummary(progress)
	if progress.Status == domain.SweepStatusError {
		return fmt.Errorf("repair sweep stopped: %s", progress.Error)
	}
	return nil
}
