package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/scribe/pkg/events"
)

// MemoryStore keeps event logs in process memory. It is used in tests and by
// embedded setups that do not need durability.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string][]events.StoredEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]events.StoredEvent),
	}
}

func (s *MemoryStore) Append(ctx context.Context, runID string, evts []events.Event) ([]events.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[runID]
	var lastSeq uint64
	if len(log) > 0 {
		lastSeq = log[len(log)-1].Seq
	}

	now := time.Now()
	stored := make([]events.StoredEvent, 0, len(evts))
	for i, ev := range evts {
		stored = append(stored, events.StoredEvent{
			RunID:      runID,
			Seq:        lastSeq + uint64(i) + 1,
			CapturedAt: now,
			Event:      ev,
		})
	}

	s.logs[runID] = append(log, stored...)
	return stored, nil
}

func (s *MemoryStore) ReadFrom(ctx context.Context, runID string, sinceSeq uint64) ([]events.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[runID]
	ret := make([]events.StoredEvent, 0, len(log))
	for _, se := range log {
		if se.Seq > sinceSeq {
			ret = append(ret, se)
		}
	}
	return ret, nil
}

var _ Store = (*MemoryStore)(nil)
