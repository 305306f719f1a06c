package projection

import (
	"time"

	"github.com/go-go-golems/scribe/pkg/events"
	"github.com/go-go-golems/scribe/pkg/transcript"
)

// fold holds the in-progress accumulation state shared by Accumulate and
// Projector. One fold instance replays one run's event stream in order.
type fold struct {
	gen transcript.IDGenerator

	open      bool
	stepIndex int
	parts     []transcript.Part

	lastID     string
	messages   []*transcript.Message
	terminated bool
}

func newFold(gen transcript.IDGenerator) *fold {
	return &fold{gen: gen}
}

func (f *fold) apply(se events.StoredEvent) {
	if f.terminated {
		return
	}

	switch ev := se.Event.(type) {
	case *events.EventStepStarted:
		if !f.open {
			f.open = true
			f.stepIndex = ev.StepIndex
			f.parts = nil
		}
	case *events.EventTextDelta:
		// A delta without a preceding step-started still opens a message:
		// orphan text is kept, not discarded.
		f.open = true
		if n := len(f.parts); n > 0 {
			if text, ok := f.parts[n-1].(*transcript.TextPart); ok {
				f.parts[n-1] = &transcript.TextPart{Text: text.Text + ev.Delta}
				return
			}
		}
		f.parts = append(f.parts, &transcript.TextPart{Text: ev.Delta})
	case *events.EventToolCall:
		f.open = true
		f.parts = append(f.parts, &transcript.ToolCallPart{
			ToolID: ev.ToolCall.ID,
			Name:   ev.ToolCall.Name,
			Input:  ev.ToolCall.Input,
		})
	case *events.EventStepFinished:
		if !f.open {
			return
		}
		f.emit(transcript.RoleAssistant, f.parts, se.CapturedAt)
		f.open = false
		f.parts = nil
	case *events.EventToolResult:
		// Tool results close immediately into their own message; they never
		// wait for a step boundary.
		f.emit(transcript.RoleTool, []transcript.Part{
			&transcript.ToolResultPart{
				ToolID:  ev.ToolResult.ID,
				Name:    ev.ToolResult.Name,
				Result:  ev.ToolResult.Result,
				IsError: ev.ToolResult.IsError,
			},
		}, se.CapturedAt)
	case *events.EventError:
		// An interrupted step produces no partial message.
		f.terminated = true
		f.open = false
		f.parts = nil
	default:
		// unrecognized event kinds are skipped
	}
}

func (f *fold) emit(role transcript.Role, parts []transcript.Part, at time.Time) {
	options := []transcript.MessageOption{}
	if f.lastID != "" {
		options = append(options, transcript.WithParentID(f.lastID))
	}
	if !at.IsZero() {
		options = append(options, transcript.WithCreatedAt(at))
	}
	msg := transcript.NewMessage(f.gen.NewID(), role, parts, options...)
	f.messages = append(f.messages, msg)
	f.lastID = msg.ID
}

// Accumulate folds an ordered event stream into canonical messages. It is a
// pure function of its inputs: same events and generator state, same output.
func Accumulate(evts []events.StoredEvent, gen transcript.IDGenerator) []*transcript.Message {
	f := newFold(gen)
	for _, se := range evts {
		f.apply(se)
	}
	return f.messages
}
