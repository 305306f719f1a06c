package runs

import (
	"time"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusStreaming Status = "streaming"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses and TerminalStatuses are disjoint; every status is in exactly
// one of them. Reconciliation and storage queries key off these sets.
var (
	ActiveStatuses   = []Status{StatusCreated, StatusStreaming}
	TerminalStatuses = []Status{StatusCommitted, StatusFailed, StatusCancelled}
)

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) IsActive() bool {
	return statusIn(s, ActiveStatuses)
}

func (s Status) IsTerminal() bool {
	return statusIn(s, TerminalStatuses)
}

// Run is one attempt at generating a response within a thread. It owns its own
// event stream; its lifecycle moves created, then streaming, then one terminal status,
// and never leaves a terminal status.
type Run struct {
	ID         string     `db:"run_id"`
	ThreadID   string     `db:"thread_id"`
	Status     Status     `db:"status"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

func (r *Run) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("run_id", r.ID).Str("thread_id", r.ThreadID).Str("status", string(r.Status))
}
