package transcript

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SchemaVersion is stamped into every message's metadata under
// MetadataKeySchemaVersion. Readers must refuse rows without it.
const SchemaVersion = 1

const MetadataKeySchemaVersion = "schemaVersion"

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeFile       PartType = "file"
)

// Part is one immutable content block of a canonical message.
type Part interface {
	PartType() PartType
	String() string
}

type TextPart struct {
	Text string `json:"text"`
}

func (p *TextPart) PartType() PartType {
	return PartTypeText
}

func (p *TextPart) String() string {
	return p.Text
}

var _ Part = (*TextPart)(nil)

type ToolCallPart struct {
	ToolID string          `json:"toolID"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

func (p *ToolCallPart) PartType() PartType {
	return PartTypeToolCall
}

func (p *ToolCallPart) String() string {
	return fmt.Sprintf("ToolCallPart{ToolID: %s, Name: %s}", p.ToolID, p.Name)
}

var _ Part = (*ToolCallPart)(nil)

type ToolResultPart struct {
	ToolID  string `json:"toolID"`
	Name    string `json:"name"`
	Result  string `json:"result"`
	IsError bool   `json:"isError,omitempty"`
}

func (p *ToolResultPart) PartType() PartType {
	return PartTypeToolResult
}

func (p *ToolResultPart) String() string {
	return fmt.Sprintf("ToolResultPart{ToolID: %s, Name: %s, IsError: %v}", p.ToolID, p.Name, p.IsError)
}

var _ Part = (*ToolResultPart)(nil)

type ReasoningPart struct {
	Text string `json:"text"`
}

func (p *ReasoningPart) PartType() PartType {
	return PartTypeReasoning
}

func (p *ReasoningPart) String() string {
	return p.Text
}

var _ Part = (*ReasoningPart)(nil)

type FilePart struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Content   []byte `json:"content,omitempty"`
}

func (p *FilePart) PartType() PartType {
	return PartTypeFile
}

func (p *FilePart) String() string {
	return fmt.Sprintf("FilePart{Name: %s, MediaType: %s}", p.Name, p.MediaType)
}

var _ Part = (*FilePart)(nil)

// Message is one durable, replay-independent turn of a thread. It is created
// by the projector when a message boundary closes and never mutated afterwards.
// ParentID links it to the immediately preceding message of the thread;
// empty means the message is the root of its chain.
type Message struct {
	ID        string                 `json:"id"`
	ParentID  string                 `json:"parentID,omitempty"`
	Role      Role                   `json:"role"`
	Parts     []Part                 `json:"parts"`
	CreatedAt time.Time              `json:"createdAt"`
	Metadata  map[string]interface{} `json:"metadata"`
}

type MessageOption func(*Message)

func WithParentID(parentID string) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		for k, v := range metadata {
			m.Metadata[k] = v
		}
	}
}

// NewMessage builds a message and stamps metadata.schemaVersion.
func NewMessage(id string, role Role, parts []Part, options ...MessageOption) *Message {
	ret := &Message{
		ID:        id,
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now(),
		Metadata: map[string]interface{}{
			MetadataKeySchemaVersion: SchemaVersion,
		},
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (m *Message) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", m.ID).Str("role", string(m.Role)).Int("parts", len(m.Parts))
	if m.ParentID != "" {
		ev.Str("parent_id", m.ParentID)
	}
}

type partEnvelope struct {
	Type    PartType        `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MarshalParts serializes an ordered part list into its tagged JSON form, the
// shape stored in the ledger's messages relation.
func MarshalParts(parts []Part) ([]byte, error) {
	envelopes := make([]partEnvelope, 0, len(parts))
	for _, p := range parts {
		content, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "could not marshal %s part", p.PartType())
		}
		envelopes = append(envelopes, partEnvelope{Type: p.PartType(), Content: content})
	}
	return json.Marshal(envelopes)
}

// UnmarshalParts decodes the tagged JSON form produced by MarshalParts.
// Unknown part types are an error: stored transcripts are canonical and a
// reader that cannot represent a part must not silently drop it.
func UnmarshalParts(data []byte) ([]Part, error) {
	var envelopes []partEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, errors.Wrap(err, "could not decode part list")
	}

	parts := make([]Part, 0, len(envelopes))
	for _, env := range envelopes {
		var p Part
		switch env.Type {
		case PartTypeText:
			p = &TextPart{}
		case PartTypeToolCall:
			p = &ToolCallPart{}
		case PartTypeToolResult:
			p = &ToolResultPart{}
		case PartTypeReasoning:
			p = &ReasoningPart{}
		case PartTypeFile:
			p = &FilePart{}
		default:
			return nil, errors.Errorf("unknown part type %q", env.Type)
		}
		if err := json.Unmarshal(env.Content, p); err != nil {
			return nil, errors.Wrapf(err, "could not decode %s part", env.Type)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	parts, err := MarshalParts(m.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&struct {
		*Alias
		Parts json.RawMessage `json:"parts"`
	}{
		Alias: (*Alias)(m),
		Parts: parts,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		*Alias
		Parts json.RawMessage `json:"parts"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return errors.Wrap(err, "could not decode message")
	}
	parts, err := UnmarshalParts(aux.Parts)
	if err != nil {
		return err
	}
	m.Parts = parts
	return nil
}
