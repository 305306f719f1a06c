package ledger

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/go-go-golems/scribe/pkg/eventstore"
	"github.com/go-go-golems/scribe/pkg/runs"
)

// AppendGuard returns an eventstore.AppendCheck that rejects appends against
// runs the ledger already closed. Because the check runs inside the append
// transaction, a finalize that lands between the manager's status check and
// the store write still rolls the batch back. Runs the ledger does not track
// pass through untouched, so the event store stays usable on its own.
func AppendGuard() eventstore.AppendCheck {
	return func(ctx context.Context, tx *sqlx.Tx, runID string) error {
		var status runs.Status
		err := tx.QueryRowxContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "could not check status of run %s", runID)
		}
		if status.IsTerminal() {
			return errors.Wrapf(ErrRunClosed, "cannot append events to run %s (%s)", runID, status)
		}
		return nil
	}
}
