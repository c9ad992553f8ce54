// Package events provides the typed event pipeline between the
// processing core and its subscribers: validation, rate limiting,
// batching, and delivery through in-memory or Redis sinks.
package events

import (
	"fmt"
	"time"
)

// EventType defines the kind of event.
type EventType string

const (
	// EventLogMessage carries a leveled log line for the UI.
	EventLogMessage EventType = "log_message"
	// EventPhaseUpdate reports a pipeline phase status change.
	EventPhaseUpdate EventType = "phase_update"
	// EventProgressUpdate reports batch-level progress.
	EventProgressUpdate EventType = "progress_update"
	// EventTaskStatus mirrors a task row state change.
	EventTaskStatus EventType = "task_status"
)

// Log levels accepted on log_message events.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Phase statuses accepted on phase_update events.
const (
	PhasePending     = "pending"
	PhaseActive      = "active"
	PhaseInProgress  = "in_progress"
	PhaseCompleted   = "completed"
	PhaseSkipped     = "skipped"
	PhaseInterrupted = "interrupted"
	PhaseError       = "error"
)

// MaxLogMessageLen is the truncation threshold for log messages.
const MaxLogMessageLen = 10000

// Event is one published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// LogMessage is the payload of a log_message event.
type LogMessage struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Truncated bool   `json:"truncated,omitempty"`
}

// NewLogMessage builds a log payload, truncating oversized messages.
func NewLogMessage(level, message string) LogMessage {
	m := LogMessage{Message: message, Level: level}
	if len(m.Message) > MaxLogMessageLen {
		m.Message = m.Message[:MaxLogMessageLen] + "..."
		m.Truncated = true
	}
	return m
}

// PhaseUpdate is the payload of a phase_update event.
type PhaseUpdate struct {
	PhaseID                   string  `json:"phase_id"`
	Status                    string  `json:"status"`
	Message                   string  `json:"message,omitempty"`
	ProcessedCount            int     `json:"processed_count,omitempty"`
	TotalCount                int     `json:"total_count,omitempty"`
	ErrorCount                int     `json:"error_count,omitempty"`
	EstimatedSecondsRemaining float64 `json:"estimated_seconds_remaining,omitempty"`
	IsSubStep                 bool    `json:"is_sub_step,omitempty"`
}

// ProgressUpdate is the payload of a progress_update event.
type ProgressUpdate struct {
	ProcessedCount int     `json:"processed_count"`
	TotalCount     int     `json:"total_count"`
	Percentage     float64 `json:"percentage"`
}

// NewProgressUpdate builds a progress payload with the derived percentage.
func NewProgressUpdate(processed, total int) ProgressUpdate {
	p := ProgressUpdate{ProcessedCount: processed, TotalCount: total}
	if total > 0 {
		p.Percentage = 100 * float64(processed) / float64(total)
	}
	return p
}

// TaskStatus is the payload of a task_status event.
type TaskStatus struct {
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	CurrentPhase    string  `json:"current_phase,omitempty"`
	Message         string  `json:"message,omitempty"`
	ProgressPercent float64 `json:"progress_percent,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	ResultSummary   string  `json:"result_summary,omitempty"`
}

var validLevels = map[string]bool{
	LevelDebug: true, LevelInfo: true, LevelWarning: true,
	LevelError: true, LevelCritical: true,
}

var validPhaseStatuses = map[string]bool{
	PhasePending: true, PhaseActive: true, PhaseInProgress: true,
	PhaseCompleted: true, PhaseSkipped: true, PhaseInterrupted: true,
	PhaseError: true,
}

var validTaskStatuses = map[string]bool{
	"pending": true, "running": true, "succeeded": true,
	"failed": true, "canceled": true,
}

// Validate checks an event against its kind's required fields and enum
// constraints. Invalid events must never be delivered.
func Validate(e Event) error {
	switch e.Type {
	case EventLogMessage:
		d, ok := e.Data.(LogMessage)
		if !ok {
			return fmt.Errorf("log_message: payload is %T", e.Data)
		}
		if d.Message == "" {
			return fmt.Errorf("log_message: message is required")
		}
		if !validLevels[d.Level] {
			return fmt.Errorf("log_message: invalid level %q", d.Level)
		}
	case EventPhaseUpdate:
		d, ok := e.Data.(PhaseUpdate)
		if !ok {
			return fmt.Errorf("phase_update: payload is %T", e.Data)
		}
		if d.PhaseID == "" {
			return fmt.Errorf("phase_update: phase_id is required")
		}
		if !validPhaseStatuses[d.Status] {
			return fmt.Errorf("phase_update: invalid status %q", d.Status)
		}
		if d.ProcessedCount < 0 || d.TotalCount < 0 || d.ErrorCount < 0 {
			return fmt.Errorf("phase_update: negative count")
		}
		if d.TotalCount > 0 && d.ProcessedCount > d.TotalCount {
			return fmt.Errorf("phase_update: processed_count %d exceeds total_count %d",
				d.ProcessedCount, d.TotalCount)
		}
	case EventProgressUpdate:
		d, ok := e.Data.(ProgressUpdate)
		if !ok {
			return fmt.Errorf("progress_update: payload is %T", e.Data)
		}
		if d.ProcessedCount < 0 || d.TotalCount < 0 {
			return fmt.Errorf("progress_update: negative count")
		}
		if d.ProcessedCount > d.TotalCount {
			return fmt.Errorf("progress_update: processed_count %d exceeds total_count %d",
				d.ProcessedCount, d.TotalCount)
		}
	case EventTaskStatus:
		d, ok := e.Data.(TaskStatus)
		if !ok {
			return fmt.Errorf("task_status: payload is %T", e.Data)
		}
		if d.TaskID == "" {
			return fmt.Errorf("task_status: task_id is required")
		}
		if !validTaskStatuses[d.Status] {
			return fmt.Errorf("task_status: invalid status %q", d.Status)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
