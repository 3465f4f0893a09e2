// Package history keeps a local log of chat transcripts and demo runs.
//
// The Store interface is the primary abstraction. SQLiteStore is the
// default implementation using pure-Go SQLite (modernc.org/sqlite).
//
// The UI appends chat entries as they finalize; the interpreter records
// one event per executed step. `ozdriver status` reads the last session
// back out.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Chat entry roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Step outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeBranch = "branch"
)

// Entry is one finalized chat message.
type Entry struct {
	ID        int64     `json:"id"`
	Session   string    `json:"session"`
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Verbatim  bool      `json:"verbatim,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StepEvent records the outcome of one executed demo step.
type StepEvent struct {
	ID        int64     `json:"id"`
	Session   string    `json:"session"`
	Script    string    `json:"script"`
	StepID    string    `json:"step_id"`
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistent session log.
type Store interface {
	// AppendEntry records a finalized chat message.
	AppendEntry(ctx context.Context, e Entry) error

	// Entries returns a session's chat log, oldest first.
	Entries(ctx context.Context, session string, limit int) ([]Entry, error)

	// RecordStep logs one executed demo step.
	RecordStep(ctx context.Context, ev StepEvent) error

	// StepEvents returns a session's step log, oldest first.
	StepEvents(ctx context.Context, session string, limit int) ([]StepEvent, error)

	// LastSession returns the most recently written session id, or ""
	// when the log is empty.
	LastSession(ctx context.Context) (string, error)

	// Close shuts down the store.
	Close() error
}

// NewSessionID mints the id shared by all writes of one driver run.
func NewSessionID() string {
	return uuid.NewString()
}
