package eventstore

import (
	"context"

	"github.com/go-go-golems/scribe/pkg/events"
)

// Store is an append-only, sequence-numbered log of raw events per run.
//
// Append is transactional: either every event of the batch receives a sequence
// number and becomes durable, or none does. Sequence numbers are strictly
// increasing per run; gaps across failed appends are fine, reordering is not.
//
// ReadFrom returns events with Seq > sinceSeq ordered by sequence number;
// pass 0 to read the whole stream.
type Store interface {
	Append(ctx context.Context, runID string, evts []events.Event) ([]events.StoredEvent, error)
	ReadFrom(ctx context.Context, runID string, sinceSeq uint64) ([]events.StoredEvent, error)
}
