package lifecycle

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/scribe/pkg/events"
	"github.com/go-go-golems/scribe/pkg/eventstore"
	"github.com/go-go-golems/scribe/pkg/ledger"
	"github.com/go-go-golems/scribe/pkg/runs"
	"github.com/go-go-golems/scribe/pkg/transcript"
)

var (
	ErrNotTerminal      = errors.New("finalize status must be terminal")
	ErrMessagesRequired = errors.New("committing a run requires its accumulated messages")
)

// Ledger is the slice of the ledger store the manager needs.
type Ledger interface {
	BeginRun(ctx context.Context, r *runs.Run) error
	ActivateRun(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*runs.Run, error)
	ListRunsByStatus(ctx context.Context, status runs.Status) ([]*runs.Run, error)
	FinalizeRun(ctx context.Context, runID string, status runs.Status, messages []*transcript.Message) error
}

var _ Ledger = (*ledger.SQLiteStore)(nil)

// Manager drives one run's lifecycle end to end: begin, stream events,
// finalize. All state lives in the injected stores; the manager itself is
// stateless and safe for concurrent use.
type Manager struct {
	ledger    Ledger
	store     eventstore.Store
	publisher message.Publisher
	gen       transcript.IDGenerator
	logger    zerolog.Logger
}

type ManagerOption func(*Manager)

// WithPublisher makes AppendEvents publish every stored event onto the run's
// topic for live subscribers. Publish failures are logged, never propagated:
// the events are already durable by then.
func WithPublisher(publisher message.Publisher) ManagerOption {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

func WithIDGenerator(gen transcript.IDGenerator) ManagerOption {
	return func(m *Manager) {
		m.gen = gen
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(l Ledger, store eventstore.Store, options ...ManagerOption) *Manager {
	ret := &Manager{
		ledger: l,
		store:  store,
		gen:    transcript.UUIDGenerator{},
		logger: log.Logger,
	}

	for _, o := range options {
		o(ret)
	}

	return ret
}

// BeginRun creates a run in status created and persists it.
func (m *Manager) BeginRun(ctx context.Context, threadID string) (*runs.Run, error) {
	r := &runs.Run{
		ID:        m.gen.NewID(),
		ThreadID:  threadID,
		Status:    runs.StatusCreated,
		StartedAt: time.Now(),
	}
	if err := m.ledger.BeginRun(ctx, r); err != nil {
		return nil, err
	}
	m.logger.Info().Object("run", r).Msg("run created")
	return r, nil
}

// ActivateRun moves a run from created to streaming.
func (m *Manager) ActivateRun(ctx context.Context, runID string) error {
	if err := m.ledger.ActivateRun(ctx, runID); err != nil {
		return err
	}
	m.logger.Debug().Str("run_id", runID).Msg("run streaming")
	return nil
}

// AppendEvents stores a batch of raw events for a run and broadcasts the
// stored events to live subscribers. Appending to a run that already reached
// a terminal status is rejected before anything is written.
func (m *Manager) AppendEvents(ctx context.Context, runID string, evts []events.Event) ([]events.StoredEvent, error) {
	r, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !r.Status.IsActive() {
		return nil, errors.Wrapf(ledger.ErrRunClosed, "cannot append %d events to %s run %s", len(evts), r.Status, runID)
	}

	stored, err := m.store.Append(ctx, runID, evts)
	if err != nil {
		return nil, err
	}

	if m.publisher != nil {
		topic := events.EventTopic(runID)
		for _, se := range stored {
			b, err := se.MarshalJSON()
			if err != nil {
				m.logger.Warn().Err(err).Object("event", se).Msg("could not marshal stored event for broadcast")
				continue
			}
			if err := m.publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
				m.logger.Warn().Err(err).Object("event", se).Msg("could not broadcast stored event")
			}
		}
	}

	return stored, nil
}

// FinalizeRun closes a run. Committing requires the run's accumulated
// messages, which land in the thread transcript atomically with the status
// transition. Failed and cancelled runs contribute nothing to the transcript.
func (m *Manager) FinalizeRun(ctx context.Context, runID string, status runs.Status, messages []*transcript.Message) error {
	if !status.IsTerminal() {
		return errors.Wrapf(ErrNotTerminal, "got %s", status)
	}
	if status == runs.StatusCommitted && len(messages) == 0 {
		return errors.Wrapf(ErrMessagesRequired, "run %s", runID)
	}
	if status != runs.StatusCommitted {
		// partial progress is discarded, never persisted
		messages = nil
	}

	if err := m.ledger.FinalizeRun(ctx, runID, status, messages); err != nil {
		return err
	}
	m.logger.Info().Str("run_id", runID).Str("status", string(status)).Int("messages", len(messages)).
		Msg("run finalized")
	return nil
}
