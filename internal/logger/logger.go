package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotated log file written under the log directory.
const LogFileName = "mediamend.log"

// LogLevel represents the severity level of a log message.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

// minLevel holds the numeric priority below which messages are dropped.
// Sweeps log from their own goroutine, so it is read atomically.
var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(levelPriority(Info)))
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
}

// levelPriority returns the numeric priority of a log level (higher = more severe)
func levelPriority(level LogLevel) int {
	switch level {
	case Debug:
		return 0
	case Info:
		return 1
	case Warn:
		return 2
	case Error:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps "debug", "info", "warn" or "error" (any case) to a LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return Info, fmt.Errorf("invalid log level %q", level)
}

// SetLevel sets the minimum log level. Unknown values fall back to info.
func SetLevel(level string) {
	lvl, err := ParseLevel(level)
	if err != nil {
		log.Printf("%v, using %s", err, lvl)
	}
	minLevel.Store(int32(levelPriority(lvl)))
}

// CurrentLevel returns the active minimum level.
func CurrentLevel() LogLevel {
	switch minLevel.Load() {
	case 0:
		return Debug
	case 2:
		return Warn
	case 3:
		return Error
	default:
		return Info
	}
}

// LogEntry is a single log message as streamed to subscribers.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

var (
	listeners  []chan LogEntry
	mu         sync.Mutex
	fileLogger *lumberjack.Logger
)

// Init writes logs to stdout and to a rotated file in logDir.
func Init(logDir string) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fileLogger != nil {
		_ = fileLogger.Close()
	}
	fileLogger = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, LogFileName),
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	return nil
}

// Close flushes and detaches the log file, reverting to stdout only.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stdout)
	if fileLogger == nil {
		return nil
	}
	err := fileLogger.Close()
	fileLogger = nil
	return err
}

// GetLogDir returns the directory where log files are stored, or "" before Init.
func GetLogDir() string {
	mu.Lock()
	defer mu.Unlock()
	if fileLogger != nil {
		return filepath.Dir(fileLogger.Filename)
	}
	return ""
}

// Subscribe returns a channel that receives all log entries for real-time streaming.
func Subscribe() chan LogEntry {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan LogEntry, 100)
	listeners = append(listeners, ch)
	return ch
}

// Unsubscribe removes a log listener channel and closes it.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func broadcast(entry LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
			// full: drop rather than block the caller
		}
	}
}

// Log writes a formatted message at the specified level to stdout, file, and subscribers.
func Log(level LogLevel, format string, v ...interface{}) {
	if int32(levelPriority(level)) < minLevel.Load() {
		return
	}

	msg := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format(time.RFC3339)

	log.Printf("%s [%s] %s", timestamp, level, msg)

	broadcast(LogEntry{
		Timestamp: timestamp,
		Level:     level,
		Message:   msg,
	})
}

func Infof(format string, v ...interface{}) {
	Log(Info, format, v...)
}

func Errorf(format string, v ...interface{}) {
	Log(Error, format, v...)
}

func Debugf(format string, v ...interface{}) {
	Log(Debug, format, v...)
}

func Warnf(format string, v ...interface{}) {
	Log(Warn, format, v...)
}
