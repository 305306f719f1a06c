package lifecycle

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/scribe/pkg/events"
	"github.com/go-go-golems/scribe/pkg/projection"
	"github.com/go-go-golems/scribe/pkg/runs"
)

// ReconcileReport summarizes one startup reconciliation pass.
type ReconcileReport struct {
	mu sync.Mutex

	Committed []string
	Failed    []string
	Errors    map[string]error
}

func (r *ReconcileReport) record(runID string, status runs.Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.Errors[runID] = err
		return
	}
	switch status {
	case runs.StatusCommitted:
		r.Committed = append(r.Committed, runID)
	case runs.StatusFailed:
		r.Failed = append(r.Failed, runID)
	}
}

// Reconcile recovers runs left in streaming status by a prior process
// lifetime: each run's events are replayed through the projector and the run
// is committed if its stream ended on a clean step boundary, failed otherwise.
// Runs are recovered independently; one run erroring never aborts the rest of
// the pass.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	stale, err := m.ledger.ListRunsByStatus(ctx, runs.StatusStreaming)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Errors: make(map[string]error)}

	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, r := range stale {
		r := r
		g.Go(func() error {
			status, err := m.recoverRun(ctx, r)
			report.record(r.ID, status, err)
			if err != nil {
				m.logger.Error().Err(err).Object("run", r).Msg("run recovery failed")
			} else {
				m.logger.Info().Object("run", r).Str("recovered_as", string(status)).Msg("run recovered")
			}
			// errors are isolated per run, never propagated to the group
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().
		Int("stale", len(stale)).
		Int("committed", len(report.Committed)).
		Int("failed", len(report.Failed)).
		Int("errored", len(report.Errors)).
		Msg("reconciliation pass done")

	return report, nil
}

func (m *Manager) recoverRun(ctx context.Context, r *runs.Run) (runs.Status, error) {
	evts, err := m.store.ReadFrom(ctx, r.ID, 0)
	if err != nil {
		return "", err
	}

	messages := projection.Accumulate(evts, m.gen)
	if cleanlyFinished(evts) && len(messages) > 0 {
		if err := m.ledger.FinalizeRun(ctx, r.ID, runs.StatusCommitted, messages); err != nil {
			return "", err
		}
		return runs.StatusCommitted, nil
	}

	if err := m.ledger.FinalizeRun(ctx, r.ID, runs.StatusFailed, nil); err != nil {
		return "", err
	}
	return runs.StatusFailed, nil
}

// cleanlyFinished reports whether the stream ended on a closed step boundary,
// meaning the run only missed its finalize call.
func cleanlyFinished(evts []events.StoredEvent) bool {
	if len(evts) == 0 {
		return false
	}
	return evts[len(evts)-1].Event.Type() == events.EventTypeStepFinished
}
