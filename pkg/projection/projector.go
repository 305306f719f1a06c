package projection

import (
	"sync"

	"github.com/huandu/go-clone"

	"github.com/go-go-golems/scribe/pkg/events"
	"github.com/go-go-golems/scribe/pkg/transcript"
)

// State is a snapshot of a projector's accumulation so far.
type State struct {
	Messages []*transcript.Message
	LastSeq  uint64
}

// Projector incrementally applies stored events as they arrive. Replayed
// batches are deduplicated by sequence number, so applying the same events
// twice (after a reconnect, say) never produces duplicate messages.
type Projector struct {
	mu sync.Mutex

	f       *fold
	lastSeq uint64
}

func NewProjector(gen transcript.IDGenerator) *Projector {
	return &Projector{f: newFold(gen)}
}

// Apply folds events with sequence numbers beyond the high-water mark and
// returns the messages emitted by this batch. Already-seen events are a no-op.
func (p *Projector) Apply(evts []events.StoredEvent) []*transcript.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.f.messages)
	for _, se := range evts {
		if se.Seq <= p.lastSeq {
			continue
		}
		p.f.apply(se)
		p.lastSeq = se.Seq
	}
	return p.f.messages[before:]
}

// GetState returns a deep snapshot; the caller may mutate it freely without
// affecting the projector.
func (p *Projector) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return clone.Clone(State{
		Messages: p.f.messages,
		LastSeq:  p.lastSeq,
	}).(State)
}

// Reset discards all accumulation state. The new state shares no containers
// with the old one, so a retained snapshot cannot corrupt later applies.
func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.f = newFold(p.f.gen)
	p.lastSeq = 0
}
