package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStepStarted opens an assistant step; it does not flush anything.
	EventTypeStepStarted EventType = "step-started"
	// EventTypeTextDelta carries one text fragment of the in-progress step.
	EventTypeTextDelta EventType = "text-delta"
	// EventTypeToolCall records a tool invocation as a part of the open step.
	EventTypeToolCall EventType = "tool-call"
	// EventTypeToolResult carries the outcome of a call; it folds into its
	// own tool-role message rather than waiting for the step boundary.
	EventTypeToolResult EventType = "tool-result"
	// EventTypeStepFinished closes the in-progress step.
	EventTypeStepFinished EventType = "step-finished"
	EventTypeError        EventType = "error"
)

// Event is a single raw generation event. Unrecognized kinds decode to a bare
// *EventImpl so that newer producers do not break older consumers.
type Event interface {
	Type() EventType
	Payload() []byte
}

type EventImpl struct {
	Type_ EventType `json:"type"`

	// raw JSON this event was decoded from (see NewEventFromJSON)
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
}

var _ Event = &EventImpl{}

type EventStepStarted struct {
	EventImpl
	StepIndex int `json:"step_index"`
}

func NewStepStartedEvent(stepIndex int) *EventStepStarted {
	return &EventStepStarted{
		EventImpl: EventImpl{Type_: EventTypeStepStarted},
		StepIndex: stepIndex,
	}
}

var _ Event = &EventStepStarted{}

func (e EventStepStarted) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("step_index", e.StepIndex)
}

type EventTextDelta struct {
	EventImpl
	Delta string `json:"delta"`
}

func NewTextDeltaEvent(delta string) *EventTextDelta {
	return &EventTextDelta{
		EventImpl: EventImpl{Type_: EventTypeTextDelta},
		Delta:     delta,
	}
}

var _ Event = &EventTextDelta{}

func (e EventTextDelta) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (tc ToolCall) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", tc.ID).Str("name", tc.Name)
}

type EventToolCall struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallEvent(toolCall ToolCall) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{Type_: EventTypeToolCall},
		ToolCall:  toolCall,
	}
}

var _ Event = &EventToolCall{}

func (e EventToolCall) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_call", e.ToolCall)
}

type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

func (tr ToolResult) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", tr.ID).Str("name", tr.Name).Bool("is_error", tr.IsError)
}

type EventToolResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolResultEvent(toolResult ToolResult) *EventToolResult {
	return &EventToolResult{
		EventImpl:  EventImpl{Type_: EventTypeToolResult},
		ToolResult: toolResult,
	}
}

var _ Event = &EventToolResult{}

func (e EventToolResult) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_result", e.ToolResult)
}

type EventStepFinished struct {
	EventImpl
	StepIndex  int    `json:"step_index"`
	StopReason string `json:"stop_reason,omitempty"`
}

func NewStepFinishedEvent(stepIndex int, stopReason string) *EventStepFinished {
	return &EventStepFinished{
		EventImpl:  EventImpl{Type_: EventTypeStepFinished},
		StepIndex:  stepIndex,
		StopReason: stopReason,
	}
}

var _ Event = &EventStepFinished{}

func (e EventStepFinished) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("step_index", e.StepIndex).Str("stop_reason", e.StopReason)
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

// NewEventFromJSON decodes a raw event envelope by its type tag. Events of an
// unknown type are returned as a bare *EventImpl rather than an error, so that
// newer event kinds flow through untouched.
func NewEventFromJSON(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode event envelope")
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStepStarted:
		ret, ok := ToTypedEvent[EventStepStarted](e)
		if !ok {
			return nil, errors.New("could not cast event to EventStepStarted")
		}
		return ret, nil
	case EventTypeTextDelta:
		ret, ok := ToTypedEvent[EventTextDelta](e)
		if !ok {
			return nil, errors.New("could not cast event to EventTextDelta")
		}
		return ret, nil
	case EventTypeToolCall:
		ret, ok := ToTypedEvent[EventToolCall](e)
		if !ok {
			return nil, errors.New("could not cast event to EventToolCall")
		}
		return ret, nil
	case EventTypeToolResult:
		ret, ok := ToTypedEvent[EventToolResult](e)
		if !ok {
			return nil, errors.New("could not cast event to EventToolResult")
		}
		return ret, nil
	case EventTypeStepFinished:
		ret, ok := ToTypedEvent[EventStepFinished](e)
		if !ok {
			return nil, errors.New("could not cast event to EventStepFinished")
		}
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, errors.New("could not cast event to EventError")
		}
		return ret, nil
	}

	return e, nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	if setter, ok := any(ret).(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(e.Payload())
	}

	return ret, true
}

// MarshalEvent serializes an event back to its JSON envelope. Events that were
// decoded from JSON keep their original payload byte-for-byte.
func MarshalEvent(e Event) ([]byte, error) {
	if p := e.Payload(); p != nil {
		return p, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "could not marshal %s event", e.Type())
	}
	return b, nil
}
