package domain

import (
	"time"
)

type EventType string

const (
	ScanStarted     EventType = "ScanStarted"
	ScanCompleted   EventType = "ScanCompleted"
	ScanFailed      EventType = "ScanFailed"
	FileValidated   EventType = "FileValidated"
	FileRemoved     EventType = "FileRemoved"
	SweepStarted    EventType = "SweepStarted"
	SweepProgress   EventType = "SweepProgress"
	SweepCompleted  EventType = "SweepCompleted"
	SweepFailed     EventType = "SweepFailed"
	RepairSucceeded EventType = "RepairSucceeded"
	RepairFailed    EventType = "RepairFailed"
	RepairSkipped   EventType = "RepairSkipped"
)

// Aggregate types used to group events in the event log.
const (
	AggregateScan  = "scan"
	AggregateSweep = "sweep"
	AggregateFile  = "file"
)

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
}

// =============================================================================
// Type-safe event data accessors
// =============================================================================

// GetString safely extracts a string field from EventData.
// Returns the value and true if found and is a string, otherwise empty string and false.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 safely extracts an int64 field from EventData.
// Handles int, int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 safely extracts a float64 field from EventData.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetBool safely extracts a bool field from EventData.
func (e *Event) GetBool(key string) (bool, bool) {
	if e.EventData == nil {
		return false, false
	}
	v, ok := e.EventData[key].(bool)
	return v, ok
}

// =============================================================================
// Typed event payloads
// =============================================================================

// FileValidatedEventData is carried by FileValidated events.
type FileValidatedEventData struct {
	FilePath  string `json:"file_path"`
	MediaType string `json:"media_type"`
	Status    string `json:"status"`
}

// ParseFileValidatedEventData extracts typed validation data from an event.
func (e *Event) ParseFileValidatedEventData() (FileValidatedEventData, bool) {
	filePath, ok := e.GetString("file_path")
	if !ok {
		return FileValidatedEventData{}, false
	}
	return FileValidatedEventData{
		FilePath:  filePath,
		MediaType: e.GetStringOr("media_type", ""),
		Status:    e.GetStringOr("status", ""),
	}, true
}

// RepairEventData is carried by RepairSucceeded, RepairFailed and RepairSkipped events.
type RepairEventData struct {
	FilePath    string `json:"file_path"`
	Strategy    string `json:"strategy,omitempty"`
	FailureType string `json:"failure_type,omitempty"`
	Message     string `json:"message,omitempty"`
}

// ParseRepairEventData extracts typed repair data from an event.
func (e *Event) ParseRepairEventData() (RepairEventData, bool) {
	filePath, ok := e.GetString("file_path")
	if !ok {
		return RepairEventData{}, false
	}
	return RepairEventData{
		FilePath:    filePath,
		Strategy:    e.GetStringOr("strategy", ""),
		FailureType: e.GetStringOr("failure_type", ""),
		Message:     e.GetStringOr("message", ""),
	}, true
}
