package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/scribe/pkg/runs"
	"github.com/go-go-golems/scribe/pkg/transcript"
)

// BranchPath selects a path through forked runs of a thread. Passing a
// non-nil path to GetTranscript always fails with ErrBranchNotImplemented.
type BranchPath []string

// SQLiteStore is the reference ledger backend. Runs and committed transcript
// messages live in two relations; finalize and delete run inside explicit
// transactions so a crash cannot leave a half-committed transcript.
type SQLiteStore struct {
	db *sqlx.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	thread_id  TEXT NOT NULL,
	parent_id  TEXT,
	role       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	ordinal    INTEGER NOT NULL,
	parts      TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, ordinal);
`

func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, errors.Wrap(err, "could not migrate ledger schema")
	}
	return &SQLiteStore{db: db}, nil
}

// BeginRun inserts a freshly created run row.
func (s *SQLiteStore) BeginRun(ctx context.Context, r *runs.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, thread_id, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.ThreadID, r.Status, r.StartedAt)
	if err != nil {
		return errors.Wrapf(err, "could not insert run %s", r.ID)
	}
	return nil
}

// ActivateRun moves a run from created to streaming.
func (s *SQLiteStore) ActivateRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ? AND status = ?`,
		runs.StatusStreaming, runID, runs.StatusCreated)
	if err != nil {
		return errors.Wrapf(err, "could not activate run %s", runID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "could not activate run %s", runID)
	}
	if affected == 0 {
		r, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return errors.Wrapf(ErrInvalidTransition, "run %s is %s, expected %s", runID, r.Status, runs.StatusCreated)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*runs.Run, error) {
	var r runs.Run
	err := s.db.GetContext(ctx, &r,
		`SELECT run_id, thread_id, status, started_at, finished_at FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not load run %s", runID)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status runs.Status) ([]*runs.Run, error) {
	var ret []*runs.Run
	err := s.db.SelectContext(ctx, &ret,
		`SELECT run_id, thread_id, status, started_at, finished_at FROM runs WHERE status = ? ORDER BY started_at ASC`,
		status)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list %s runs", status)
	}
	return ret, nil
}

// FinalizeRun transitions an active run to a terminal status. For committed
// runs the transcript messages are inserted in the same transaction as the
// status flip; for failed or cancelled runs nothing is added and any partial
// progress is simply never persisted.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, status runs.Status, messages []*transcript.Message) error {
	if !status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "cannot finalize run %s to non-terminal status %s", runID, status)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "could not begin finalize transaction for run %s", runID)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Debug().Err(err).Str("run_id", runID).Msg("finalize rollback")
		}
	}()

	var r runs.Run
	err = tx.GetContext(ctx, &r,
		`SELECT run_id, thread_id, status, started_at, finished_at FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if err != nil {
		return errors.Wrapf(err, "could not load run %s", runID)
	}
	if r.Status.IsTerminal() {
		return errors.Wrapf(ErrRunClosed, "run %s is already %s", runID, r.Status)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, now, runID)
	if err != nil {
		return errors.Wrapf(err, "could not finalize run %s", runID)
	}

	if status == runs.StatusCommitted {
		var base int64
		err = tx.GetContext(ctx, &base,
			`SELECT COALESCE(MAX(ordinal), 0) FROM messages WHERE thread_id = ?`, r.ThreadID)
		if err != nil {
			return errors.Wrapf(err, "could not read message ordinal for thread %s", r.ThreadID)
		}

		for i, msg := range messages {
			parts, err := transcript.MarshalParts(msg.Parts)
			if err != nil {
				return errors.Wrapf(err, "could not serialize parts of message %s", msg.ID)
			}
			metadata, err := json.Marshal(msg.Metadata)
			if err != nil {
				return errors.Wrapf(err, "could not serialize metadata of message %s", msg.ID)
			}
			var parentID sql.NullString
			if msg.ParentID != "" {
				parentID = sql.NullString{String: msg.ParentID, Valid: true}
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO messages (id, run_id, thread_id, parent_id, role, created_at, ordinal, parts, metadata)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				msg.ID, runID, r.ThreadID, parentID, msg.Role, msg.CreatedAt, base+int64(i)+1, string(parts), string(metadata))
			if err != nil {
				return errors.Wrapf(err, "could not insert message %s for run %s", msg.ID, runID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "could not commit finalize of run %s", runID)
	}

	log.Debug().Str("run_id", runID).Str("status", string(status)).Int("messages", len(messages)).
		Msg("run finalized")
	return nil
}

// GetTranscript returns the thread's committed messages in commit order.
// A non-nil branch path fails loudly; it is never silently ignored.
func (s *SQLiteStore) GetTranscript(ctx context.Context, threadID string, branch BranchPath) ([]*transcript.Message, error) {
	if branch != nil {
		return nil, errors.Wrapf(ErrBranchNotImplemented, "thread %s", threadID)
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT m.id, m.parent_id, m.role, m.created_at, m.parts, m.metadata
		 FROM messages m
		 JOIN runs r ON m.run_id = r.run_id
		 WHERE m.thread_id = ? AND r.status = ?
		 ORDER BY m.ordinal ASC`,
		threadID, runs.StatusCommitted)
	if err != nil {
		return nil, errors.Wrapf(err, "could not query transcript for thread %s", threadID)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []*transcript.Message
	for rows.Next() {
		var (
			id, role, partsJSON, metadataJSON string
			parentID                          sql.NullString
			createdAt                         time.Time
		)
		if err := rows.Scan(&id, &parentID, &role, &createdAt, &partsJSON, &metadataJSON); err != nil {
			return nil, errors.Wrapf(err, "could not scan message row for thread %s", threadID)
		}

		metadata, err := decodeMetadata(id, []byte(metadataJSON))
		if err != nil {
			return nil, err
		}
		parts, err := transcript.UnmarshalParts([]byte(partsJSON))
		if err != nil {
			return nil, errors.Wrapf(err, "message %s", id)
		}

		msg := &transcript.Message{
			ID:        id,
			Role:      transcript.Role(role),
			Parts:     parts,
			CreatedAt: createdAt,
			Metadata:  metadata,
		}
		if parentID.Valid {
			msg.ParentID = parentID.String
		}
		ret = append(ret, msg)
	}
	return ret, rows.Err()
}

// decodeMetadata refuses rows without a numeric schemaVersion instead of
// defaulting: a missing version means the row was written by something this
// reader does not understand.
func decodeMetadata(messageID string, data []byte) (map[string]interface{}, error) {
	var metadata map[string]interface{}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, errors.Wrapf(ErrInvalidMetadata, "message %s: could not decode metadata: %v", messageID, err)
	}
	v, ok := metadata[transcript.MetadataKeySchemaVersion]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidMetadata, "message %s: metadata is missing %q", messageID, transcript.MetadataKeySchemaVersion)
	}
	if _, ok := v.(float64); !ok {
		return nil, errors.Wrapf(ErrInvalidMetadata, "message %s: metadata %q is %T, expected a number", messageID, transcript.MetadataKeySchemaVersion, v)
	}
	return metadata, nil
}

// DeleteThread removes a thread's runs and messages in one transaction.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "could not begin delete transaction for thread %s", threadID)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Debug().Err(err).Str("thread_id", threadID).Msg("delete rollback")
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return errors.Wrapf(err, "could not delete messages for thread %s", threadID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE thread_id = ?`, threadID); err != nil {
		return errors.Wrapf(err, "could not delete runs for thread %s", threadID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "could not commit delete of thread %s", threadID)
	}
	return nil
}
