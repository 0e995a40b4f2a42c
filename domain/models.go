// Package domain defines the core domain models for the run orchestrator.
package domain

import (
	"encoding/json"
	"time"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusStreaming   RunStatus = "streaming"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Terminal reports whether the status is final for a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusInterrupted:
		return true
	}
	return false
}

// Active reports whether a run in this status still has (or may have) a
// background task driving it.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusStreaming:
		return true
	}
	return false
}

// ThreadStatus represents the status of a thread.
type ThreadStatus string

const (
	ThreadStatusIdle        ThreadStatus = "idle"
	ThreadStatusBusy        ThreadStatus = "busy"
	ThreadStatusInterrupted ThreadStatus = "interrupted"
)

// Run represents a single execution of a graph against a thread.
type Run struct {
	RunID        string          `json:"run_id"`
	ThreadID     string          `json:"thread_id"`
	AssistantID  string          `json:"assistant_id"`
	Status       RunStatus       `json:"status"`
	Input        json.RawMessage `json:"input"`
	Config       json.RawMessage `json:"config,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	UserID       string          `json:"user_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Thread is the conversation/session context a sequence of runs executes
// against. Metadata holds the last-used assistant_id/graph_id.
type Thread struct {
	ThreadID  string          `json:"thread_id"`
	UserID    string          `json:"user_id"`
	Status    ThreadStatus    `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Assistant is a named, persisted binding to a specific graph.
type Assistant struct {
	AssistantID string          `json:"assistant_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	GraphID     string          `json:"graph_id"`
	Config      json.RawMessage `json:"config,omitempty"`
	UserID      string          `json:"user_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Event is one stored protocol event of a run, immutable once appended.
type Event struct {
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
