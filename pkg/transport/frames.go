package transport

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/scribe/pkg/events"
)

type FrameType string

const (
	// client to server
	FrameTypeSubscribe   FrameType = "subscribe"
	FrameTypeUnsubscribe FrameType = "unsubscribe"

	// server to client
	FrameTypeEvent        FrameType = "event"
	FrameTypeError        FrameType = "error"
	FrameTypeReplayFailed FrameType = "replay_failed"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameDirection is returned when a frame shape that is only legal in
	// one direction arrives from the other peer. Direction-invalid frames are
	// rejected, never silently ignored: a peer must not be able to inject the
	// opposite side's vocabulary.
	ErrFrameDirection = errors.New("frame type not valid in this direction")
)

type SubscribeFrame struct {
	Type    FrameType `json:"type"`
	RunID   string    `json:"run_id"`
	FromSeq *uint64   `json:"from_seq,omitempty"`
}

type UnsubscribeFrame struct {
	Type  FrameType `json:"type"`
	RunID string    `json:"run_id"`
}

type EventFrame struct {
	Type  FrameType          `json:"type"`
	Event events.StoredEvent `json:"event"`
}

type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

type ReplayFailedFrame struct {
	Type   FrameType `json:"type"`
	RunID  string    `json:"run_id"`
	Reason string    `json:"reason"`
}

func NewSubscribeFrame(runID string, fromSeq *uint64) SubscribeFrame {
	return SubscribeFrame{Type: FrameTypeSubscribe, RunID: runID, FromSeq: fromSeq}
}

func NewUnsubscribeFrame(runID string) UnsubscribeFrame {
	return UnsubscribeFrame{Type: FrameTypeUnsubscribe, RunID: runID}
}

func NewEventFrame(se events.StoredEvent) EventFrame {
	return EventFrame{Type: FrameTypeEvent, Event: se}
}

func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameTypeError, Code: code, Message: message}
}

func NewReplayFailedFrame(runID, reason string) ReplayFailedFrame {
	return ReplayFailedFrame{Type: FrameTypeReplayFailed, RunID: runID, Reason: reason}
}

func frameType(data []byte) (FrameType, error) {
	var hdr struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", errors.Wrapf(ErrMalformedFrame, "could not decode frame header: %v", err)
	}
	if hdr.Type == "" {
		return "", errors.Wrap(ErrMalformedFrame, "frame has no type")
	}
	return hdr.Type, nil
}

// DecodeClientFrame accepts only frames a client may send. Server-originated
// shapes fail with ErrFrameDirection.
func DecodeClientFrame(data []byte) (interface{}, error) {
	t, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case FrameTypeSubscribe:
		var f SubscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "could not decode subscribe frame: %v", err)
		}
		if f.RunID == "" {
			return nil, errors.Wrap(ErrMalformedFrame, "subscribe frame has no run_id")
		}
		return f, nil
	case FrameTypeUnsubscribe:
		var f UnsubscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "could not decode unsubscribe frame: %v", err)
		}
		if f.RunID == "" {
			return nil, errors.Wrap(ErrMalformedFrame, "unsubscribe frame has no run_id")
		}
		return f, nil
	case FrameTypeEvent, FrameTypeError, FrameTypeReplayFailed:
		return nil, errors.Wrapf(ErrFrameDirection, "%s is a server frame", t)
	}
	return nil, errors.Wrapf(ErrMalformedFrame, "unknown frame type %q", t)
}

// DecodeServerFrame accepts only frames a server may send. Client-originated
// shapes fail with ErrFrameDirection.
func DecodeServerFrame(data []byte) (interface{}, error) {
	t, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case FrameTypeEvent:
		var f EventFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "could not decode event frame: %v", err)
		}
		return f, nil
	case FrameTypeError:
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "could not decode error frame: %v", err)
		}
		return f, nil
	case FrameTypeReplayFailed:
		var f ReplayFailedFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "could not decode replay_failed frame: %v", err)
		}
		return f, nil
	case FrameTypeSubscribe, FrameTypeUnsubscribe:
		return nil, errors.Wrapf(ErrFrameDirection, "%s is a client frame", t)
	}
	return nil, errors.Wrapf(ErrMalformedFrame, "unknown frame type %q", t)
}
