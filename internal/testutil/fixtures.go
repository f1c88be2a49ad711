package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/integration"
)

// EventOption is a functional option for configuring test events.
type EventOption func(*domain.Event)

// WithAggregateID sets a specific aggregate ID.
func WithAggregateID(id string) EventOption {
	return func(e *domain.Event) {
		e.AggregateID = id
	}
}

// WithCreatedAt sets the event creation time.
func WithCreatedAt(t time.Time) EventOption {
	return func(e *domain.Event) {
		e.CreatedAt = t
	}
}

// NewFileValidatedEvent creates a FileValidated event for testing.
func NewFileValidatedEvent(filePath string, mediaType domain.MediaType, status domain.FileStatus, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: domain.AggregateFile,
		AggregateID:   filePath,
		EventType:     domain.FileValidated,
		EventVersion:  1,
		CreatedAt:     time.Now(),
		EventData: map[string]interface{}{
			"file_path":  filePath,
			"media_type": string(mediaType),
			"status":     string(status),
			"duration":   120.0,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewRepairEvent creates a RepairSucceeded or RepairFailed event for testing.
func NewRepairEvent(eventType domain.EventType, filePath, strategy string, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: domain.AggregateSweep,
		AggregateID:   uuid.New().String(),
		EventType:     eventType,
		EventVersion:  1,
		CreatedAt:     time.Now(),
		EventData: map[string]interface{}{
			"file_path": filePath,
			"strategy":  strategy,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// =============================================================================
// Scripted tool responses
// =============================================================================

// DurationRule answers ffprobe for path with a duration in seconds.
func DurationRule(path string, seconds float64) Rule {
	return Rule{
		Tool:   "ffprobe",
		Args:   []string{path},
		Result: integration.Result{Stdout: strconv.FormatFloat(seconds, 'f', 6, 64) + "\n"},
	}
}

// DurationFailRule makes ffprobe fail for path.
func DurationFailRule(path, stderr string) Rule {
	return Rule{
		Tool:   "ffprobe",
		Args:   []string{path},
		Result: integration.Result{ExitCode: 1, Stderr: stderr},
	}
}

// SampleFailRule makes the decode sample at offset fail for path.
func SampleFailRule(path string, offset int, stderr string) Rule {
	return Rule{
		Tool:   "ffmpeg",
		Args:   []string{"-ss", strconv.Itoa(offset), path},
		Result: integration.Result{ExitCode: 1, Stderr: stderr},
	}
}

// SampleTimeoutRule makes the decode sample at offset time out for path.
func SampleTimeoutRule(path string, offset int) Rule {
	return Rule{
		Tool:   "ffmpeg",
		Args:   []string{"-ss", strconv.Itoa(offset), path},
		Result: integration.Result{ExitCode: -1, TimedOut: true},
	}
}

// SampleOKRule lets every decode sample succeed. Add it after specific sample rules.
func SampleOKRule() Rule {
	return Rule{Tool: "ffmpeg", Args: []string{"-ss", "null"}}
}

// ToolVersionRule answers "<tool> -version".
func ToolVersionRule(tool, version string) Rule {
	return Rule{
		Tool:   tool,
		Args:   []string{"-version"},
		Result: integration.Result{Stdout: fmt.Sprintf("%s version %s Copyright (c) the FFmpeg developers\n", tool, version)},
	}
}

// RepairRule answers the repair strategy whose temp file carries suffix.
// A nil output fails the strategy; an empty one succeeds with an empty file.
func RepairRule(suffix string, output []byte) Rule {
	rule := Rule{Tool: "ffmpeg", OutputContains: "." + suffix + ".tmp"}
	if output == nil {
		rule.Result = integration.Result{ExitCode: 1, Stderr: "Invalid data found when processing input"}
		return rule
	}
	rule.Output = output
	return rule
}

// HangingRepairRule makes the repair strategy with suffix run until ctx ends.
// started, when non-nil, is closed once the strategy is running.
func HangingRepairRule(suffix string, started chan<- struct{}) Rule {
	return Rule{
		Tool:           "ffmpeg",
		OutputContains: "." + suffix + ".tmp",
		Times:          1,
		Do: func(ctx context.Context, cmd integration.Command) integration.Result {
			if len(cmd.Args) > 0 {
				_ = os.WriteFile(cmd.Args[len(cmd.Args)-1], []byte("partial"), 0o644)
			}
			if started != nil {
				close(started)
			}
			<-ctx.Done()
			return integration.Result{ExitCode: -1, Err: ctx.Err()}
		},
	}
}

// =============================================================================
// Files and records
// =============================================================================

// WriteMediaFile creates dir/rel with content and returns its absolute path.
func WriteMediaFile(t testing.TB, dir, rel string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("abs %s: %v", path, err)
	}
	return abs
}

// NewRecord builds a catalog record with plausible defaults.
func NewRecord(path string, mediaType domain.MediaType, status domain.FileStatus) domain.FileRecord {
	rec := domain.FileRecord{
		Path:              path,
		MediaType:         mediaType,
		Status:            status,
		ErrorLog:          []string{},
		CheckpointResults: map[string]domain.CheckpointOutcome{"check_1m": domain.CheckpointOK},
		Duration:          120,
		FileMtime:         1_700_000_000_000_000_000,
		FileSize:          1024,
		LastChecked:       time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	if status == domain.StatusFailed {
		rec.ErrorLog = []string{fmt.Sprintf("[%s] check_1m: decode error", path)}
		rec.CheckpointResults["check_1m"] = domain.CheckpointFailed
	}
	return rec
}
