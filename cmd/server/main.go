package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mescon/Mediamend/internal/api"
	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/clock"
	"github.com/mescon/Mediamend/internal/config"
	"github.com/mescon/Mediamend/internal/db"
	"github.com/mescon/Mediamend/internal/eventbus"
	"github.com/mescon/Mediamend/internal/integration"
	"github.com/mescon/Mediamend/internal/logger"
	"github.com/mescon/Mediamend/internal/metrics"
	"github.com/mescon/Mediamend/internal/notifier"
	"github.com/mescon/Mediamend/internal/repair"
	"github.com/mescon/Mediamend/internal/services"
	"github.com/mescon/Mediamend/internal/validation"
)

func main() {
	// Define command line flags (these override environment variables)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Configuration flags - all can also be set via environment variables (MEDIAMEND_*)
	flagPort := flag.String("port", "", "HTTP server port (env: MEDIAMEND_PORT, default: 3095)")
	flagBasePath := flag.String("base-path", "", "URL base path for reverse proxy (env: MEDIAMEND_BASE_PATH, default: /)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: MEDIAMEND_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: MEDIAMEND_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: MEDIAMEND_DATABASE_PATH)")
	flagLibrary := flag.String("library", "", "Library YAML file (env: MEDIAMEND_LIBRARY_FILE)")
	flagFFprobe := flag.String("ffprobe", "", "ffprobe binary (env: MEDIAMEND_FFPROBE_PATH)")
	flagFFmpeg := flag.String("ffmpeg", "", "ffmpeg binary (env: MEDIAMEND_FFMPEG_PATH)")
	flagSweepPace := flag.Duration("sweep-pace", 0, "Pause between files in a repair sweep (env: MEDIAMEND_SWEEP_PACE, default: 1s)")
	flagScanSchedule := flag.String("scan-schedule", "", "Cron schedule for reconciliation scans (env: MEDIAMEND_SCAN_SCHEDULE)")
	flagSweepSchedule := flag.String("sweep-schedule", "", "Cron schedule for repair sweeps (env: MEDIAMEND_SWEEP_SCHEDULE)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep scan history and events, 0 to disable pruning (env: MEDIAMEND_RETENTION_DAYS, default: 90)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Mediamend %s\n", config.Version)
		os.Exit(0)
	}

	config.Load()

	flagOverrides := config.FlagOverrides{
		Port:          flagPort,
		BasePath:      flagBasePath,
		LogLevel:      flagLogLevel,
		DataDir:       flagDataDir,
		DatabasePath:  flagDatabasePath,
		LibraryFile:   flagLibrary,
		FFprobePath:   flagFFprobe,
		FFmpegPath:    flagFFmpeg,
		SweepPace:     flagSweepPace,
		ScanSchedule:  flagScanSchedule,
		SweepSchedule: flagSweepSchedule,
	}
	// Special handling for retention days: -1 means not set (use default), 0 means disable
	if *flagRetentionDays >= 0 {
		flagOverrides.RetentionDays = flagRetentionDays
	}
	config.ApplyFlags(flagOverrides)
	cfg := config.Get()

	if err := logger.Init(cfg.LogDir); err != nil {
		logger.Errorf("Failed to open log file, logging to stdout only: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Mediamend %s...", config.Version)
	logger.Infof("========================================")

	if err := cfg.LoadLibraryFile(); err != nil {
		logger.Errorf("Failed to load library file %s: %v", cfg.LibraryFile, err)
		os.Exit(1)
	}

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Library: %s", cfg.LibraryFile)
	for _, p := range cfg.Library.Profiles {
		logger.Infof("    %s: %s (checkpoints %v)", p.Type, p.Root, p.Checkpoints)
	}
	logger.Infof("  Sweep Pace: %s", cfg.SweepPace)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}
	if cfg.APIKeyHash == "" {
		logger.Warnf("  API authentication: disabled (set MEDIAMEND_API_KEY_HASH to enable)")
	}

	ctx := context.Background()

	// Initialize Database
	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Database initialized successfully")

	if backupPath, err := repo.Backup(ctx, cfg.BackupKeep); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("✓ Database backup created: %s", backupPath)
	}

	eb := eventbus.NewEventBus(repo.DB)
	clk := clock.NewRealClock()
	runner := integration.NewExecRunner()

	toolChecker := integration.NewToolChecker(runner, cfg.FFprobePath, cfg.FFmpegPath)
	for name, tool := range toolChecker.CheckAllTools(ctx) {
		if tool.Available {
			logger.Infof("✓ %s %s (%s)", name, tool.Version, tool.Path)
		} else {
			logger.Warnf("⚠ %s not available: validation and repair will report tool failures", name)
		}
	}

	// Initialize core services
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
	reconciler := services.NewReconciler(store, validator, cfg.Library, eb, clk, cfg.BackupDirName)
	sweeps := services.NewSweepService(store, engine, validator, cfg.Library, eb, clk, cfg.SweepPace)
	logger.Infof("✓ Reconciler and repair sweep services")

	schedulerService := services.NewSchedulerService()
	if err := schedulerService.ScheduleScan(cfg.ScanSchedule, reconciler); err != nil {
		logger.Errorf("Invalid scan schedule %q: %v", cfg.ScanSchedule, err)
	}
	if err := schedulerService.ScheduleSweep(cfg.SweepSchedule, sweeps); err != nil {
		logger.Errorf("Invalid sweep schedule %q: %v", cfg.SweepSchedule, err)
	}
	if err := schedulerService.ScheduleMaintenance(services.DefaultMaintenanceSchedule, repo, cfg.RetentionDays, cfg.BackupKeep); err != nil {
		logger.Errorf("Failed to schedule maintenance: %v", err)
	}
	schedulerService.Start()
	logger.Infof("✓ Scheduler Service (%d jobs)", len(schedulerService.Jobs()))

	notifierService, err := notifier.NewNotifier(cfg.NotifyURLs, eb)
	if err != nil {
		// Non-fatal - continue without notifications
		logger.Errorf("Notifications disabled: %v", err)
		notifierService, _ = notifier.NewNotifier(nil, eb)
	}
	notifierService.Start()

	metricsService := metrics.NewMetricsService(eb, nil)
	metricsService.Start()
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	apiServer := api.NewRESTServer(api.ServerDeps{
		Catalog:     store,
		Reconciler:  reconciler,
		Sweeps:      sweeps,
		Scheduler:   schedulerService,
		Events:      eb,
		Metrics:     metricsService.Handler(),
		ToolChecker: toolChecker,
		Database:    repo,
		MediaTypes:  cfg.Library.Types(),
		APIKeyHash:  cfg.APIKeyHash,
		BasePath:    cfg.BasePath,
		Version:     config.Version,
	})
	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ Mediamend %s started successfully", config.Version)
	logger.Infof("✓ Server listening on port %s", cfg.Port)
	logger.Infof("========================================")

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown in reverse order of startup
	schedulerService.Stop()
	logger.Infof("✓ Scheduler Service stopped")

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	sweeps.Shutdown(shutdownCtx)
	logger.Infof("✓ Repair sweep stopped")

	notifierService.Stop()
	eb.Shutdown()

	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	}

	logger.Infof("✓ Mediamend shutdown complete")
	_ = logger.Close()
}
