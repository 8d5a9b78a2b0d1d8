package models

import (
	"encoding/json"
	"time"
)

// EventLevel is the severity of a job event
type EventLevel string

const (
	EventLevelDebug EventLevel = "debug"
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// EventType classifies what happened
type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventRestart         EventType = "restart"
	EventBlockedDetected EventType = "blocked_detected"
	EventFallback        EventType = "fallback"
	EventFinalize        EventType = "finalize"
	EventError           EventType = "error"
	EventProgress        EventType = "progress"
)

// JobEvent is one append-only crawl log entry. Structured fields are stored
// as a JSON snapshot string so the stored struct stays codec-friendly.
type JobEvent struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id" badgerhold:"index"`
	Level      EventLevel `json:"level"`
	Type       EventType  `json:"type"`
	Message    string     `json:"message"`
	FieldsJSON string     `json:"fields,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SetFields marshals and stores structured event fields as JSON
func (e *JobEvent) SetFields(fields map[string]interface{}) error {
	if len(fields) == 0 {
		e.FieldsJSON = ""
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	e.FieldsJSON = string(data)
	return nil
}

// GetFields unmarshals structured event fields from JSON
func (e *JobEvent) GetFields() (map[string]interface{}, error) {
	if e.FieldsJSON == "" {
		return nil, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(e.FieldsJSON), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// ErrorSummary aggregates a job's failures for summary.json and the API
type ErrorSummary struct {
	TotalErrors int            `json:"total_errors"`
	ByKind      map[string]int `json:"by_kind"`              // error kind -> count, top entries only
	LastErrors  []string       `json:"last_errors,omitempty"` // Most recent messages, newest first
}
