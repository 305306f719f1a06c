package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StoredEvent is a raw event after the event store accepted it: it carries the
// owning run, the store-assigned sequence number (strictly increasing per run)
// and the capture timestamp.
type StoredEvent struct {
	RunID      string
	Seq        uint64
	CapturedAt time.Time
	Event      Event
}

type storedEventEnvelope struct {
	RunID      string          `json:"run_id"`
	Seq        uint64          `json:"seq"`
	CapturedAt time.Time       `json:"captured_at"`
	Event      json.RawMessage `json:"event"`
}

func (se StoredEvent) MarshalJSON() ([]byte, error) {
	b, err := MarshalEvent(se.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedEventEnvelope{
		RunID:      se.RunID,
		Seq:        se.Seq,
		CapturedAt: se.CapturedAt,
		Event:      b,
	})
}

func (se *StoredEvent) UnmarshalJSON(data []byte) error {
	var env storedEventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.Wrap(err, "could not decode stored event envelope")
	}
	ev, err := NewEventFromJSON(env.Event)
	if err != nil {
		return err
	}
	se.RunID = env.RunID
	se.Seq = env.Seq
	se.CapturedAt = env.CapturedAt
	se.Event = ev
	return nil
}

func (se StoredEvent) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("run_id", se.RunID).Uint64("seq", se.Seq).Str("type", string(se.Event.Type()))
}

// EventTopic returns the pub/sub topic carrying live stored events for a run.
func EventTopic(runID string) string {
	return "run.events." + runID
}
