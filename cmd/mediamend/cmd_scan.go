package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mescon/Mediamend/internal/domain"
)

var (
	scanMediaType string
	scanFull      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Reconcile the catalog with the media roots",
	Long: `Walks the configured media roots, validates new, changed and previously
failing files, and removes catalog records for files that are gone.

Examples:
  mediamend scan
  mediamend scan --media-type tv
  mediamend scan --full`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanMediaType, "media-type", "", "Only scan this media type (default: all)")
	scanCmd.Flags().BoolVar(&scanFull, "full", false, "Revalidate every file, not just new, changed and failed ones")
}

func runScan(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := newReporter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	a.eventBus.Subscribe(domain.FileValidated, func(e domain.Event) {
		rep.step(e.GetStringOr("file_path", ""))
	})
	rep.startSpinner("validating")

	summary, err := a.reconciler.Reconcile(ctx, domain.MediaType(scanMediaType), scanFull)
	rep.finishBar()
	if err != nil {
		return err
	}
	rep.scanSummary(summary)
	return nil
}
