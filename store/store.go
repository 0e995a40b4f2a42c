// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/struckoff/graphrun/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for data persistence. All operations are
// atomic per call and committed before returning.
type Store interface {
	// Run operations. Reads and deletes are keyed on run_id + thread_id +
	// owner; status updates are keyed on run_id only because a single
	// logical writer is active per run at a time.
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID, threadID, userID string) (*domain.Run, error)
	GetRunByID(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, threadID, userID string, status domain.RunStatus, limit, offset int) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	UpdateRunOutcome(ctx context.Context, runID string, status domain.RunStatus, output json.RawMessage, errMsg string) error
	DeleteRun(ctx context.Context, runID, threadID, userID string) error

	// Thread operations
	CreateThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	GetOrCreateThread(ctx context.Context, threadID, userID string) (*domain.Thread, error)
	SetThreadStatus(ctx context.Context, threadID string, status domain.ThreadStatus) error
	MergeThreadMetadata(ctx context.Context, threadID string, patch map[string]any) error

	// Assistant operations
	CreateAssistant(ctx context.Context, assistant *domain.Assistant) error
	GetAssistant(ctx context.Context, assistantID string) (*domain.Assistant, error)

	// Event log operations
	AppendEvent(ctx context.Context, event *domain.Event) error
	ListEventsAfter(ctx context.Context, runID string, afterSeq int) ([]domain.Event, error)
	DeleteExpiredEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Close() error
}
