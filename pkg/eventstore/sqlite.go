package eventstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/scribe/pkg/events"
)

// AppendCheck is evaluated inside the append transaction, after the batch is
// written and before it commits. A non-nil error rolls the whole batch back.
// It lets callers sharing the database handle enforce preconditions, such as
// the run still being open, atomically with the append.
type AppendCheck func(ctx context.Context, tx *sqlx.Tx, runID string) error

// SQLiteStore persists event logs in a run_events table. The batch append runs
// inside a transaction, which is also what serializes concurrent appends for
// the same run.
type SQLiteStore struct {
	db    *sqlx.DB
	check AppendCheck
}

type SQLiteOption func(*SQLiteStore)

func WithAppendCheck(check AppendCheck) SQLiteOption {
	return func(s *SQLiteStore) {
		s.check = check
	}
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS run_events (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	captured_at DATETIME NOT NULL,
	type        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(run_id, seq);
`

// The sequence number is assigned by the insert itself, so the first statement
// of the append transaction takes the write lock. Concurrent appends for one
// run then wait on each other instead of racing a read lock upgrade.
const appendEventQuery = `
INSERT INTO run_events (run_id, seq, captured_at, type, payload)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?), ?, ?, ?)
RETURNING seq`

func NewSQLiteStore(db *sqlx.DB, options ...SQLiteOption) (*SQLiteStore, error) {
	if _, err := db.Exec(eventsSchema); err != nil {
		return nil, errors.Wrap(err, "could not migrate run_events table")
	}

	ret := &SQLiteStore{db: db}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (s *SQLiteStore) Append(ctx context.Context, runID string, evts []events.Event) ([]events.StoredEvent, error) {
	if len(evts) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin append transaction")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Debug().Err(err).Str("run_id", runID).Msg("append rollback")
		}
	}()

	now := time.Now()
	stored := make([]events.StoredEvent, 0, len(evts))
	for _, ev := range evts {
		payload, err := events.MarshalEvent(ev)
		if err != nil {
			return nil, err
		}
		var seq uint64
		err = tx.QueryRowxContext(ctx, appendEventQuery,
			runID, runID, now, string(ev.Type()), string(payload)).Scan(&seq)
		if err != nil {
			return nil, errors.Wrapf(err, "could not insert %s event for run %s", ev.Type(), runID)
		}
		stored = append(stored, events.StoredEvent{
			RunID:      runID,
			Seq:        seq,
			CapturedAt: now,
			Event:      ev,
		})
	}

	if s.check != nil {
		if err := s.check(ctx, tx, runID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "could not commit append of %d events for run %s", len(evts), runID)
	}

	return stored, nil
}

func (s *SQLiteStore) ReadFrom(ctx context.Context, runID string, sinceSeq uint64) ([]events.StoredEvent, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT seq, captured_at, payload FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, sinceSeq)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read events for run %s", runID)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []events.StoredEvent
	for rows.Next() {
		var (
			seq        uint64
			capturedAt time.Time
			payload    string
		)
		if err := rows.Scan(&seq, &capturedAt, &payload); err != nil {
			return nil, errors.Wrapf(err, "could not scan event row for run %s", runID)
		}
		ev, err := events.NewEventFromJSON([]byte(payload))
		if err != nil {
			return nil, errors.Wrapf(err, "could not decode event %d for run %s", seq, runID)
		}
		ret = append(ret, events.StoredEvent{
			RunID:      runID,
			Seq:        seq,
			CapturedAt: capturedAt,
			Event:      ev,
		})
	}
	return ret, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
