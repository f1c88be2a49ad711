package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 3095)
	Port string

	// BasePath is the URL base path for reverse proxy setups (default: "/")
	BasePath string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// DataDir is the directory for persistent data (database, logs, backups)
	// Default: /config in Docker, ./config locally
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/mediamend.db)
	DatabasePath string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string

	// LibraryFile is the YAML file describing media types (default: <DataDir>/library.yaml)
	LibraryFile string

	// Library is loaded from LibraryFile by LoadLibraryFile
	Library *Library

	// FFprobePath and FFmpegPath locate the media tools (default: looked up in PATH)
	FFprobePath string
	FFmpegPath  string

	// DurationTimeout bounds a duration read (default: 30s)
	DurationTimeout time.Duration

	// SampleTimeout bounds each checkpoint decode sample (default: 15s)
	SampleTimeout time.Duration

	// SweepPace is the pause between files in a repair sweep (default: 1s)
	SweepPace time.Duration

	// ScanSchedule and SweepSchedule are cron expressions; empty disables them
	ScanSchedule  string
	SweepSchedule string

	// RetentionDays is the number of days to keep old events and scan history (default: 90)
	// Set to 0 to disable automatic pruning
	RetentionDays int

	// BackupKeep is how many database backups are retained (default: 5)
	BackupKeep int

	// APIKeyHash is a bcrypt hash of the API key; empty leaves the API open
	APIKeyHash string

	// NotifyURLs are shoutrrr service URLs notified when scans and sweeps finish
	NotifyURLs []string

	// BackupDirName is the sidecar directory created beside repaired files
	BackupDirName string
}

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	// Determine DataDir - this is where all persistent data lives
	dataDir := getEnvOrDefault("MEDIAMEND_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "config")
		} else {
			dataDir = "./config"
		}
	}
	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}
	os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("MEDIAMEND_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "mediamend.db")
	}

	libraryFile := getEnvOrDefault("MEDIAMEND_LIBRARY_FILE", "")
	if libraryFile == "" {
		libraryFile = filepath.Join(dataDir, "library.yaml")
	}

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	cfg = &Config{
		Port:            getEnvOrDefault("MEDIAMEND_PORT", "3095"),
		BasePath:        normalizeBasePath(getEnvOrDefault("MEDIAMEND_BASE_PATH", "/")),
		LogLevel:        strings.ToLower(getEnvOrDefault("MEDIAMEND_LOG_LEVEL", "info")),
		DataDir:         dataDir,
		DatabasePath:    dbPath,
		LogDir:          logDir,
		LibraryFile:     libraryFile,
		FFprobePath:     getEnvOrDefault("MEDIAMEND_FFPROBE_PATH", ""),
		FFmpegPath:      getEnvOrDefault("MEDIAMEND_FFMPEG_PATH", ""),
		DurationTimeout: getEnvDurationOrDefault("MEDIAMEND_DURATION_TIMEOUT", 30*time.Second),
		SampleTimeout:   getEnvDurationOrDefault("MEDIAMEND_SAMPLE_TIMEOUT", 15*time.Second),
		SweepPace:       getEnvDurationOrDefault("MEDIAMEND_SWEEP_PACE", time.Second),
		ScanSchedule:    getEnvOrDefault("MEDIAMEND_SCAN_SCHEDULE", ""),
		SweepSchedule:   getEnvOrDefault("MEDIAMEND_SWEEP_SCHEDULE", ""),
		RetentionDays:   getEnvIntOrDefault("MEDIAMEND_RETENTION_DAYS", 90),
		BackupKeep:      getEnvIntOrDefault("MEDIAMEND_BACKUP_KEEP", 5),
		APIKeyHash:      getEnvOrDefault("MEDIAMEND_API_KEY_HASH", ""),
		NotifyURLs:      splitList(getEnvOrDefault("MEDIAMEND_NOTIFY_URLS", "")),
		BackupDirName:   getEnvOrDefault("MEDIAMEND_BACKUP_DIR_NAME", ".mediamend_backup"),
	}

	// Validate log level
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		cfg.LogLevel = "info" // Fall back to info for invalid values
	}

	return cfg
}

// LoadLibraryFile loads the library file named by the config into Library.
func (c *Config) LoadLibraryFile() error {
	lib, err := LoadLibrary(c.LibraryFile)
	if err != nil {
		return err
	}
	c.Library = lib
	return nil
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:            "8080",
		BasePath:        "/",
		LogLevel:        "debug",
		DataDir:         "/tmp/mediamend-test",
		DatabasePath:    "/tmp/mediamend-test/mediamend.db",
		LogDir:          "/tmp/mediamend-test/logs",
		LibraryFile:     "/tmp/mediamend-test/library.yaml",
		Library:         DefaultLibrary(),
		DurationTimeout: 30 * time.Second,
		SampleTimeout:   15 * time.Second,
		SweepPace:       0,
		RetentionDays:   90,
		BackupKeep:      5,
		BackupDirName:   ".mediamend_backup",
	}
}

func normalizeBasePath(basePath string) string {
	if basePath == "" || basePath == "/" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

// splitList splits a comma separated value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or the default if not set/invalid.
// Accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// moveDataDir points DataDir at dir and carries along every path that was
// still derived from the previous data directory.
func moveDataDir(c *Config, dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	old := c.DataDir
	c.DataDir = dir
	if c.DatabasePath == filepath.Join(old, "mediamend.db") {
		c.DatabasePath = filepath.Join(dir, "mediamend.db")
	}
	if c.LibraryFile == filepath.Join(old, "library.yaml") {
		c.LibraryFile = filepath.Join(dir, "library.yaml")
	}
	if c.LogDir == filepath.Join(old, "logs") {
		c.LogDir = filepath.Join(dir, "logs")
	}
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port          *string
	BasePath      *string
	LogLevel      *string
	DataDir       *string
	DatabasePath  *string
	LibraryFile   *string
	FFprobePath   *string
	FFmpegPath    *string
	SweepPace     *time.Duration
	ScanSchedule  *string
	SweepSchedule *string
	RetentionDays *int
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
// Only non-nil values with non-default flag values will override.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.BasePath != nil && *flags.BasePath != "" {
		cfg.BasePath = normalizeBasePath(*flags.BasePath)
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		moveDataDir(cfg, *flags.DataDir)
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.LibraryFile != nil && *flags.LibraryFile != "" {
		cfg.LibraryFile = *flags.LibraryFile
	}
	if flags.FFprobePath != nil && *flags.FFprobePath != "" {
		cfg.FFprobePath = *flags.FFprobePath
	}
	if flags.FFmpegPath != nil && *flags.FFmpegPath != "" {
		cfg.FFmpegPath = *flags.FFmpegPath
	}
	if flags.SweepPace != nil && *flags.SweepPace != 0 {
		cfg.SweepPace = *flags.SweepPace
	}
	if flags.ScanSchedule != nil && *flags.ScanSchedule != "" {
		cfg.ScanSchedule = *flags.ScanSchedule
	}
	if flags.SweepSchedule != nil && *flags.SweepSchedule != "" {
		cfg.SweepSchedule = *flags.SweepSchedule
	}
	if flags.RetentionDays != nil {
		cfg.RetentionDays = *flags.RetentionDays
	}
}
