// Command mediamend runs one-shot scans, repair sweeps and catalog reports
// against the same database the server uses.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/clock"
	"github.com/mescon/Mediamend/internal/config"
	"github.com/mescon/Mediamend/internal/db"
	"github.com/mescon/Mediamend/internal/eventbus"
	"github.com/mescon/Mediamend/internal/integration"
	"github.com/mescon/Mediamend/internal/logger"
	"github.com/mescon/Mediamend/internal/repair"
	"github.com/mescon/Mediamend/internal/services"
	"github.com/mescon/Mediamend/internal/validation"
)

// Shared flags
var (
	flagDataDir      string
	flagDatabasePath string
	flagLibrary      string
	flagLogLevel     string
)

var rootCmd = &cobra.Command{
	Use:           "mediamend",
	Short:         "Validate, repair and report on a media library",
	Long:          "mediamend validates media files by sampling them at fixed checkpoints, repairs failing files in place and keeps a catalog of the results.",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDataDir, "data-dir", "", "Data directory (env: MEDIAMEND_DATA_DIR)")
	pf.StringVar(&flagDatabasePath, "database-path", "", "Database file (env: MEDIAMEND_DATABASE_PATH)")
	pf.StringVar(&flagLibrary, "library", "", "Library YAML file (env: MEDIAMEND_LIBRARY_FILE)")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the services a command needs.
type app struct {
	cfg         *config.Config
	repo        *db.Repository
	eventBus    *eventbus.EventBus
	store       *catalog.Store
	reconciler  *services.Reconciler
	sweeps      *services.SweepService
}

// loadConfig reads the environment and applies the shared flags.
func loadConfig() (*config.Config, error) {
	config.Load()
	config.ApplyFlags(config.FlagOverrides{
		DataDir:      &flagDataDir,
		DatabasePath: &flagDatabasePath,
		LibraryFile:  &flagLibrary,
		LogLevel:     &flagLogLevel,
	})
	cfg := config.Get()
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.LoadLibraryFile(); err != nil {
		return nil, fmt.Errorf("load library: %w", err)
	}
	return cfg, nil
}

// openApp opens the database and builds the services.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	clk := clock.NewRealClock()
	runner := integration.NewExecRunner()
	eb := eventbus.NewEventBus(repo.DB)
	store := catalog.NewStore(repo.DB, clk)
	validator := validation.NewValidator(runner, validation.Options{
		FFprobePath:     cfg.FFprobePath,
		FFmpegPath:      cfg.FFmpegPath,
		DurationTimeout: cfg.DurationTimeout,
		SampleTimeout:   cfg.SampleTimeout,
	})
	engine := repair.NewEngine(runner, repair.Options{
		FFmpegPath:    cfg.FFmpegPath,
		BackupDirName: cfg.BackupDirName,
	})

	return &app{
		cfg:         cfg,
		repo:        repo,
		eventBus:    eb,
		store:       store,
		reconciler:  services.NewReconciler(store, validator, cfg.Library, eb, clk, cfg.BackupDirName),
		sweeps:      services.NewSweepService(store, engine, validator, cfg.Library, eb, clk, cfg.SweepPace),
	}, nil
}

func (a *app) Close() {
	a.sweeps.Shutdown(context.Background())
	a.eventBus.Shutdown()
	if err := a.repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database: %v", err)
	}
}
