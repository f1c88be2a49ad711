package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mescon/Mediamend/internal/integration"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Check that ffprobe and ffmpeg are available",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	checker := integration.NewToolChecker(integration.NewExecRunner(), cfg.FFprobePath, cfg.FFmpegPath)
	if !newReporter(cmd.OutOrStdout(), cmd.ErrOrStderr()).tools(checker.CheckAllTools(cmd.Context())) {
		return errors.New("required tools are missing")
	}
	return nil
}
