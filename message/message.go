// Package message defines the conversation model the pruning engine shares
// with its host runtime: messages, their part blocks, and tool call state.
//
// The engine never mutates host messages. Rewrites produce new values via
// Copy, so a host may hand the same slice to the engine on every turn.
package message

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the role of a message in a conversation.
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

func (r Role) String() string {
	return string(r)
}

// Timestamps carries the host's millisecond timestamps for a message.
type Timestamps struct {
	Created int64 `json:"created"`
}

// CreatedTime returns the creation timestamp as a time.Time.
func (t Timestamps) CreatedTime() time.Time {
	return time.UnixMilli(t.Created)
}

// Message is a single conversation entry as reported by the host. An
// assistant message with Summary set is a compaction marker: the host has
// rolled everything before it into a system summary.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Role      Role       `json:"role"`
	Time      Timestamps `json:"time"`
	Summary   bool       `json:"summary,omitempty"`
	Parts     []Part     `json:"parts"`
}

// UnmarshalJSON decodes a message, resolving each part to its concrete type.
func (m *Message) UnmarshalJSON(data []byte) error {
	type envelope struct {
		ID        string            `json:"id"`
		SessionID string            `json:"sessionID"`
		Role      Role              `json:"role"`
		Time      Timestamps        `json:"time"`
		Summary   bool              `json:"summary,omitempty"`
		Parts     []json.RawMessage `json:"parts"`
	}
	var raw envelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.SessionID = raw.SessionID
	m.Role = raw.Role
	m.Time = raw.Time
	m.Summary = raw.Summary
	m.Parts = nil
	for _, p := range raw.Parts {
		part, err := UnmarshalPart(p)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

// Text returns the concatenated text of all non-synthetic text parts,
// separated by two newlines.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if tp, ok := part.(*TextPart); ok && !tp.Synthetic {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// IsCompaction reports whether the message is a compaction marker.
func (m *Message) IsCompaction() bool {
	return m.Role == Assistant && m.Summary
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	cp := &Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Time:      m.Time,
		Summary:   m.Summary,
	}
	if len(m.Parts) > 0 {
		cp.Parts = make([]Part, len(m.Parts))
		for i, part := range m.Parts {
			cp.Parts[i] = part.Copy()
		}
	}
	return cp
}

// ToolParts returns the tool parts of the message in order.
func (m *Message) ToolParts() []*ToolPart {
	var tools []*ToolPart
	for _, part := range m.Parts {
		if tp, ok := part.(*ToolPart); ok {
			tools = append(tools, tp)
		}
	}
	return tools
}

// StepStartCount returns the number of step-start parts in the message.
func (m *Message) StepStartCount() int {
	n := 0
	for _, part := range m.Parts {
		if part.Type() == PartTypeStepStart {
			n++
		}
	}
	return n
}

// NewUserTextMessage creates a user message with a single text part.
func NewUserTextMessage(id, sessionID, text string) *Message {
	return &Message{
		ID:        id,
		SessionID: sessionID,
		Role:      User,
		Parts:     []Part{&TextPart{Text: text}},
	}
}

// NewAssistantTextMessage creates an assistant message with a single text part.
func NewAssistantTextMessage(id, sessionID, text string) *Message {
	return &Message{
		ID:        id,
		SessionID: sessionID,
		Role:      Assistant,
		Parts:     []Part{&TextPart{Text: text}},
	}
}
