package message

import (
	"encoding/json"
	"fmt"
)

// PartType indicates the type of a part block in a message.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeTool       PartType = "tool"
	PartTypeFile       PartType = "file"
	PartTypeStepStart  PartType = "step-start"
	PartTypeStepFinish PartType = "step-finish"
	PartTypePatch      PartType = "patch"
	PartTypeSnapshot   PartType = "snapshot"
	PartTypeAgent      PartType = "agent"
	PartTypeRetry      PartType = "retry"
	PartTypeCompaction PartType = "compaction"
)

// Part is a single block within a message. A message may contain multiple
// parts of varying types. Part types the engine does not understand are
// preserved as UnknownPart so they round-trip untouched.
type Part interface {
	Type() PartType

	// PartID returns the host-assigned identifier of the part, if any.
	PartID() string

	// Copy returns a deep copy of the part.
	Copy() Part
}

//// TextPart /////////////////////////////////////////////////////////////////

// TextPart is plain prompt or response text. Synthetic marks text the host
// injected itself (reminders, nudges); Ignored marks text excluded from the
// model's view. The engine reads both flags but never sets them.
type TextPart struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

func (p *TextPart) Type() PartType { return PartTypeText }
func (p *TextPart) PartID() string { return p.ID }

func (p *TextPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// ReasoningPart ////////////////////////////////////////////////////////////

// ReasoningPart is model thinking text.
type ReasoningPart struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

func (p *ReasoningPart) Type() PartType { return PartTypeReasoning }
func (p *ReasoningPart) PartID() string { return p.ID }

func (p *ReasoningPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *ReasoningPart) MarshalJSON() ([]byte, error) {
	type alias ReasoningPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// ToolPart /////////////////////////////////////////////////////////////////

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolTime carries tool execution timestamps in milliseconds.
type ToolTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// Attachment is a file produced by a tool call.
type Attachment struct {
	ID       string `json:"id"`
	MIME     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ToolState is the tagged state of a tool call. Status discriminates which
// fields are meaningful: pending carries Input and Raw, running adds Title
// and Time.Start, completed adds Output and Attachments, error adds Error.
type ToolState struct {
	Status      ToolStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Raw         string          `json:"raw,omitempty"`
	Output      string          `json:"output,omitempty"`
	Title       string          `json:"title,omitempty"`
	Error       string          `json:"error,omitempty"`
	Time        ToolTime        `json:"time,omitzero"`
	Attachments []*Attachment   `json:"attachments,omitempty"`
}

// ToolPart records a tool call and its state.
type ToolPart struct {
	ID     string    `json:"id,omitempty"`
	CallID string    `json:"callID"`
	Tool   string    `json:"tool"`
	State  ToolState `json:"state"`
}

func (p *ToolPart) Type() PartType { return PartTypeTool }
func (p *ToolPart) PartID() string { return p.ID }

func (p *ToolPart) Copy() Part {
	cp := *p
	if p.State.Input != nil {
		cp.State.Input = append(json.RawMessage(nil), p.State.Input...)
	}
	if p.State.Attachments != nil {
		cp.State.Attachments = make([]*Attachment, len(p.State.Attachments))
		for i, a := range p.State.Attachments {
			ac := *a
			cp.State.Attachments[i] = &ac
		}
	}
	return &cp
}

func (p *ToolPart) MarshalJSON() ([]byte, error) {
	type alias ToolPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// FilePart /////////////////////////////////////////////////////////////////

// FilePart is a file reference included in a message.
type FilePart struct {
	ID       string `json:"id,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

func (p *FilePart) Type() PartType { return PartTypeFile }
func (p *FilePart) PartID() string { return p.ID }

func (p *FilePart) Copy() Part {
	cp := *p
	return &cp
}

func (p *FilePart) MarshalJSON() ([]byte, error) {
	type alias FilePart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// StepStartPart ////////////////////////////////////////////////////////////

// StepStartPart marks the beginning of one model turn.
type StepStartPart struct {
	ID string `json:"id,omitempty"`
}

func (p *StepStartPart) Type() PartType { return PartTypeStepStart }
func (p *StepStartPart) PartID() string { return p.ID }

func (p *StepStartPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *StepStartPart) MarshalJSON() ([]byte, error) {
	type alias StepStartPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// StepFinishPart ///////////////////////////////////////////////////////////

// StepFinishPart marks the end of one model turn.
type StepFinishPart struct {
	ID     string `json:"id,omitempty"`
	Tokens int    `json:"tokens,omitempty"`
}

func (p *StepFinishPart) Type() PartType { return PartTypeStepFinish }
func (p *StepFinishPart) PartID() string { return p.ID }

func (p *StepFinishPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *StepFinishPart) MarshalJSON() ([]byte, error) {
	type alias StepFinishPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// PatchPart ////////////////////////////////////////////////////////////////

// PatchPart records a file edit applied during the turn.
type PatchPart struct {
	ID    string   `json:"id,omitempty"`
	Hash  string   `json:"hash,omitempty"`
	Files []string `json:"files,omitempty"`
}

func (p *PatchPart) Type() PartType { return PartTypePatch }
func (p *PatchPart) PartID() string { return p.ID }

func (p *PatchPart) Copy() Part {
	cp := *p
	if p.Files != nil {
		cp.Files = append([]string(nil), p.Files...)
	}
	return &cp
}

func (p *PatchPart) MarshalJSON() ([]byte, error) {
	type alias PatchPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// SnapshotPart /////////////////////////////////////////////////////////////

// SnapshotPart records a workspace snapshot identifier.
type SnapshotPart struct {
	ID       string `json:"id,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
}

func (p *SnapshotPart) Type() PartType { return PartTypeSnapshot }
func (p *SnapshotPart) PartID() string { return p.ID }

func (p *SnapshotPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *SnapshotPart) MarshalJSON() ([]byte, error) {
	type alias SnapshotPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// AgentPart ////////////////////////////////////////////////////////////////

// AgentPart marks a hand-off to a named sub-agent.
type AgentPart struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (p *AgentPart) Type() PartType { return PartTypeAgent }
func (p *AgentPart) PartID() string { return p.ID }

func (p *AgentPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *AgentPart) MarshalJSON() ([]byte, error) {
	type alias AgentPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// RetryPart ////////////////////////////////////////////////////////////////

// RetryPart marks a provider retry within the turn.
type RetryPart struct {
	ID string `json:"id,omitempty"`
}

func (p *RetryPart) Type() PartType { return PartTypeRetry }
func (p *RetryPart) PartID() string { return p.ID }

func (p *RetryPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *RetryPart) MarshalJSON() ([]byte, error) {
	type alias RetryPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// CompactionPart ///////////////////////////////////////////////////////////

// CompactionPart marks a host-side compaction boundary.
type CompactionPart struct {
	ID   string `json:"id,omitempty"`
	Auto bool   `json:"auto,omitempty"`
}

func (p *CompactionPart) Type() PartType { return PartTypeCompaction }
func (p *CompactionPart) PartID() string { return p.ID }

func (p *CompactionPart) Copy() Part {
	cp := *p
	return &cp
}

func (p *CompactionPart) MarshalJSON() ([]byte, error) {
	type alias CompactionPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{p.Type(), (*alias)(p)})
}

//// UnknownPart //////////////////////////////////////////////////////////////

// UnknownPart preserves a part type the engine does not model. The raw JSON
// is kept so the part survives a rewrite byte-for-byte.
type UnknownPart struct {
	ID       string
	PartType PartType
	Raw      json.RawMessage
}

func (p *UnknownPart) Type() PartType { return p.PartType }
func (p *UnknownPart) PartID() string { return p.ID }

func (p *UnknownPart) Copy() Part {
	cp := *p
	if p.Raw != nil {
		cp.Raw = append(json.RawMessage(nil), p.Raw...)
	}
	return &cp
}

func (p *UnknownPart) MarshalJSON() ([]byte, error) {
	return append(json.RawMessage(nil), p.Raw...), nil
}

//// Decoding /////////////////////////////////////////////////////////////////

// UnmarshalPart decodes one part block to its concrete type. Unrecognized
// types are preserved as UnknownPart rather than rejected.
func UnmarshalPart(data []byte) (Part, error) {
	var probe struct {
		Type PartType `json:"type"`
		ID   string   `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode part: %w", err)
	}
	var part Part
	switch probe.Type {
	case PartTypeText:
		part = &TextPart{}
	case PartTypeReasoning:
		part = &ReasoningPart{}
	case PartTypeTool:
		part = &ToolPart{}
	case PartTypeFile:
		part = &FilePart{}
	case PartTypeStepStart:
		part = &StepStartPart{}
	case PartTypeStepFinish:
		part = &StepFinishPart{}
	case PartTypePatch:
		part = &PatchPart{}
	case PartTypeSnapshot:
		part = &SnapshotPart{}
	case PartTypeAgent:
		part = &AgentPart{}
	case PartTypeRetry:
		part = &RetryPart{}
	case PartTypeCompaction:
		part = &CompactionPart{}
	default:
		return &UnknownPart{
			ID:       probe.ID,
			PartType: probe.Type,
			Raw:      append(json.RawMessage(nil), data...),
		}, nil
	}
	if err := json.Unmarshal(data, part); err != nil {
		return nil, fmt.Errorf("decode %s part: %w", probe.Type, err)
	}
	return part, nil
}
