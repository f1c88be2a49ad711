package domain

import (
	"fmt"
	"time"
)

// MediaType names a library category such as "movie" or "tv".
type MediaType string

// MediaProfile is the immutable validation profile of one media type.
type MediaProfile struct {
	Type MediaType `json:"type" yaml:"type"`
	Root string    `json:"root" yaml:"root"`
	// Checkpoints are offsets in seconds, ascending.
	Checkpoints []int `json:"checkpoints" yaml:"checkpoints"`
}

// CheckpointLabel renders an offset as the key used in checkpoint results:
// whole minutes become "check_10m", anything else "check_45s".
func CheckpointLabel(offset int) string {
	if offset > 0 && offset%60 == 0 {
		return fmt.Sprintf("check_%dm", offset/60)
	}
	return fmt.Sprintf("check_%ds", offset)
}

type FileStatus string

const (
	StatusPassed FileStatus = "passed"
	StatusFailed FileStatus = "failed"
)

// CheckpointOutcome is the ternary result of one sampled checkpoint.
type CheckpointOutcome string

const (
	CheckpointOK            CheckpointOutcome = "ok"
	CheckpointFailed        CheckpointOutcome = "failed"
	CheckpointNotApplicable CheckpointOutcome = "not_applicable"
)

// RepairResult is the tri-state of the most recent repair attempt.
type RepairResult string

const (
	RepairPending RepairResult = "pending"
	RepairSuccess RepairResult = "success"
	RepairFail    RepairResult = "fail"
)

// Verdict is the aggregate validation result for one file.
type Verdict struct {
	Status            FileStatus                   `json:"status"`
	ErrorLog          []string                     `json:"error_log"`
	Duration          float64                      `json:"duration"`
	CheckpointResults map[string]CheckpointOutcome `json:"checkpoint_results"`
}

// FileRecord is one catalog row, keyed by Path.
type FileRecord struct {
	Path              string                       `json:"path"`
	MediaType         MediaType                    `json:"media_type"`
	Status            FileStatus                   `json:"status"`
	ErrorLog          []string                     `json:"error_log"`
	CheckpointResults map[string]CheckpointOutcome `json:"checkpoint_results"`
	Duration          float64                      `json:"duration"`
	FileMtime         int64                        `json:"file_mtime"`
	FileSize          int64                        `json:"file_size"`
	LastChecked       time.Time                    `json:"last_checked"`
	RepairAttemptedAt *time.Time                   `json:"repair_attempted_at,omitempty"`
	RepairResult      RepairResult                 `json:"repair_result,omitempty"`
	RepairStrategy    string                       `json:"repair_strategy,omitempty"`
}

// NewFileRecord builds a record from a fresh verdict and the observed file metadata.
func NewFileRecord(path string, mediaType MediaType, v Verdict, mtime, size int64, checkedAt time.Time) FileRecord {
	return FileRecord{
		Path:              path,
		MediaType:         mediaType,
		Status:            v.Status,
		ErrorLog:          v.ErrorLog,
		CheckpointResults: v.CheckpointResults,
		Duration:          v.Duration,
		FileMtime:         mtime,
		FileSize:          size,
		LastChecked:       checkedAt,
	}
}

type ScanKind string

const (
	ScanIncremental ScanKind = "incremental"
	ScanFull        ScanKind = "full"
)

// ScanHistoryEntry is an append-only scan log row. Repaired and Fixed are
// backfilled once, right after the scan that created the row.
type ScanHistoryEntry struct {
	Seq        int64       `json:"seq"`
	ScannedAt  time.Time   `json:"scanned_at"`
	Kind       ScanKind    `json:"kind"`
	MediaTypes []MediaType `json:"media_types"`
	Examined   int         `json:"examined"`
	Repaired   int         `json:"repaired"`
	Fixed      int         `json:"fixed"`
	// Watermark is the highest catalog transition id visible when the scan finished.
	Watermark int64 `json:"watermark"`
}

// ScanSummary is returned by a reconciliation pass.
type ScanSummary struct {
	Seq         int64       `json:"seq"`
	Kind        ScanKind    `json:"kind"`
	MediaTypes  []MediaType `json:"media_types"`
	Discovered  int         `json:"discovered"`
	Validated   int         `json:"validated"`
	Passed      int         `json:"passed"`
	Failed      int         `json:"failed"`
	Removed     int         `json:"removed"`
	Repaired    int         `json:"repaired"`
	Fixed       int         `json:"fixed"`
	SkippedRoot []MediaType `json:"skipped_roots,omitempty"`
	Duration    float64     `json:"duration_seconds"`
}

type SweepStatus string

const (
	SweepStatusIdle      SweepStatus = "idle"
	SweepStatusStarting  SweepStatus = "starting"
	SweepStatusRunning   SweepStatus = "running"
	SweepStatusCompleted SweepStatus = "completed"
	SweepStatusError     SweepStatus = "error"
	SweepStatusCancelled SweepStatus = "cancelled"
)

// IsTerminal reports whether the status ends a sweep.
func (s SweepStatus) IsTerminal() bool {
	return s == SweepStatusCompleted || s == SweepStatusError || s == SweepStatusCancelled
}

// RepairProgress is a point-in-time copy of the sweep progress record.
type RepairProgress struct {
	ID          string      `json:"id,omitempty"`
	Active      bool        `json:"active"`
	CurrentFile string      `json:"current_file"`
	Completed   int         `json:"completed"`
	Total       int         `json:"total"`
	Status      SweepStatus `json:"status"`
	Repaired    int         `json:"repaired"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// MediaTypeStats aggregates catalog counts for one media type.
type MediaTypeStats struct {
	MediaType          MediaType      `json:"media_type"`
	Total              int            `json:"total"`
	Passed             int            `json:"passed"`
	Failed             int            `json:"failed"`
	CheckpointFailures map[string]int `json:"checkpoint_failures"`
}
