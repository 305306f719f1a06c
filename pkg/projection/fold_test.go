package projection

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/scribe/pkg/events"
	"github.com/go-go-golems/scribe/pkg/transcript"
)

var errTest = errors.New("provider stream interrupted")

func storedStream(runID string, evts ...events.Event) []events.StoredEvent {
	ret := make([]events.StoredEvent, 0, len(evts))
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, ev := range evts {
		ret = append(ret, events.StoredEvent{
			RunID:      runID,
			Seq:        uint64(i) + 1,
			CapturedAt: at.Add(time.Duration(i) * time.Second),
			Event:      ev,
		})
	}
	return ret
}

func TestAccumulateSimpleStep(t *testing.T) {
	stream := storedStream("run-1",
		events.NewStepStartedEvent(0),
		events.NewTextDeltaEvent("Hel"),
		events.NewTextDeltaEvent("lo"),
		events.NewStepFinishedEvent(0, "end_turn"),
	)

	messages := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Len(t, messages, 1)
	require.Equal(t, transcript.RoleAssistant, messages[0].Role)
	require.Len(t, messages[0].Parts, 1)

	// consecutive deltas coalesce into one text part
	text, ok := messages[0].Parts[0].(*transcript.TextPart)
	require.True(t, ok)
	require.Equal(t, "Hello", text.Text)
}

func TestAccumulateToolLoop(t *testing.T) {
	stream := storedStream("run-1",
		events.NewStepStartedEvent(0),
		events.NewTextDeltaEvent("checking"),
		events.NewToolCallEvent(events.ToolCall{ID: "tc-1", Name: "search"}),
		events.NewStepFinishedEvent(0, "tool_use"),
		events.NewToolResultEvent(events.ToolResult{ID: "tc-1", Name: "search", Result: "found it"}),
		events.NewStepStartedEvent(1),
		events.NewTextDeltaEvent("here you go"),
		events.NewStepFinishedEvent(1, "end_turn"),
	)

	messages := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Len(t, messages, 3)

	require.Equal(t, transcript.RoleAssistant, messages[0].Role)
	require.Len(t, messages[0].Parts, 2)
	require.IsType(t, &transcript.TextPart{}, messages[0].Parts[0])
	require.IsType(t, &transcript.ToolCallPart{}, messages[0].Parts[1])

	require.Equal(t, transcript.RoleTool, messages[1].Role)
	result, ok := messages[1].Parts[0].(*transcript.ToolResultPart)
	require.True(t, ok)
	require.Equal(t, "found it", result.Result)

	require.Equal(t, transcript.RoleAssistant, messages[2].Role)
}

func TestAccumulateParentChain(t *testing.T) {
	stream := storedStream("run-1",
		events.NewStepStartedEvent(0),
		events.NewToolCallEvent(events.ToolCall{ID: "tc-1", Name: "search"}),
		events.NewStepFinishedEvent(0, "tool_use"),
		events.NewToolResultEvent(events.ToolResult{ID: "tc-1", Name: "search", Result: "ok"}),
	)

	messages := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Len(t, messages, 2)
	require.Empty(t, messages[0].ParentID)
	require.Equal(t, messages[0].ID, messages[1].ParentID)
}

func TestAccumulateOrphanDeltaOpensMessage(t *testing.T) {
	// a delta without a preceding step-started still produces a message
	stream := storedStream("run-1",
		events.NewTextDeltaEvent("stray text"),
		events.NewStepFinishedEvent(0, "end_turn"),
	)

	messages := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Len(t, messages, 1)
	require.Equal(t, "stray text", messages[0].Parts[0].(*transcript.TextPart).Text)
}

func TestAccumulateErrorDropsPendingStep(t *testing.T) {
	stream := storedStream("run-1",
		events.NewStepStartedEvent(0),
		events.NewTextDeltaEvent("finished thought"),
		events.NewStepFinishedEvent(0, "tool_use"),
		events.NewStepStartedEvent(1),
		events.NewTextDeltaEvent("partial thou"),
		events.NewErrorEvent(errTest),
		events.NewTextDeltaEvent("after the error"),
	)

	messages := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Len(t, messages, 1)
	require.Equal(t, "finished thought", messages[0].Parts[0].(*transcript.TextPart).Text)
}

func TestAccumulateStepFinishedWithoutOpenIsNoop(t *testing.T) {
	stream := storedStream("run-1",
		events.NewStepFinishedEvent(0, "end_turn"),
	)

	messages := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Empty(t, messages)
}

func TestAccumulateUnknownEventsAreSkipped(t *testing.T) {
	raw, err := events.NewEventFromJSON([]byte(`{"type":"usage-report","tokens":12}`))
	require.NoError(t, err)

	stream := storedStream("run-1",
		events.NewStepStartedEvent(0),
		events.NewTextDeltaEvent("hi"),
	)
	stream = append(stream, events.StoredEvent{RunID: "run-1", Seq: 3, Event: raw})
	stream = append(stream, events.StoredEvent{
		RunID: "run-1", Seq: 4,
		Event: events.NewStepFinishedEvent(0, "end_turn"),
	})

	messages := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Len(t, messages, 1)
	require.Equal(t, "hi", messages[0].Parts[0].(*transcript.TextPart).Text)
}

func TestAccumulateIsDeterministic(t *testing.T) {
	stream := storedStream("run-1",
		events.NewStepStartedEvent(0),
		events.NewTextDeltaEvent("same"),
		events.NewStepFinishedEvent(0, "end_turn"),
	)

	a := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	b := Accumulate(stream, transcript.NewSequentialIDGenerator("msg"))
	require.Equal(t, a, b)
}
