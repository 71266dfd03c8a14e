package dcp

import (
	"encoding/json"

	"github.com/pruneworks/dcp/message"
)

// Event is one host conversation event. The set mirrors the host's event
// vocabulary; events the engine does not act on still flow through OnEvent
// as no-ops so the host can use a single dispatch path.
type Event interface {
	EventName() string
}

// PartUpdatedEvent reports a created or updated message part.
type PartUpdatedEvent struct {
	SessionID string       `json:"sessionID"`
	MessageID string       `json:"messageID"`
	Part      message.Part `json:"part"`
}

func (PartUpdatedEvent) EventName() string { return "message.part.updated" }

// MessageUpdatedEvent reports message-level metadata: role, timestamps, and
// the compaction summary flag.
type MessageUpdatedEvent struct {
	SessionID string       `json:"sessionID"`
	MessageID string       `json:"messageID"`
	Role      message.Role `json:"role"`
	Summary   bool         `json:"summary,omitempty"`
	Created   int64        `json:"created,omitempty"`
}

func (MessageUpdatedEvent) EventName() string { return "message.updated" }

// SessionStatusEvent reports a session status transition. A status of "idle"
// is equivalent to SessionIdleEvent.
type SessionStatusEvent struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
}

func (SessionStatusEvent) EventName() string { return "session.status" }

// SessionIdleEvent marks the end of a turn.
type SessionIdleEvent struct {
	SessionID string `json:"sessionID"`
}

func (SessionIdleEvent) EventName() string { return "session.idle" }

// PermissionAskedEvent reports a pending tool permission request.
type PermissionAskedEvent struct {
	SessionID  string `json:"sessionID"`
	RequestID  string `json:"requestID"`
	Permission string `json:"permission,omitempty"`
	Tool       string `json:"tool,omitempty"`
}

func (PermissionAskedEvent) EventName() string { return "permission.asked" }

// QuestionAskedEvent reports an interactive question the engine cannot
// answer.
type QuestionAskedEvent struct {
	SessionID  string `json:"sessionID"`
	QuestionID string `json:"questionID"`
	Question   string `json:"question,omitempty"`
}

func (QuestionAskedEvent) EventName() string { return "question.asked" }

// NoopEvent is any host event the engine ignores.
type NoopEvent struct {
	Name string `json:"name"`
}

func (e NoopEvent) EventName() string { return e.Name }

// StreamSink receives the engine's translation of host events into an
// outbound stream. Implementations bridge to the host's streaming protocol.
// All methods are invoked from the engine's single event-reader goroutine.
type StreamSink interface {
	// ToolInputStart signals the beginning of a tool call's input.
	ToolInputStart(callID, tool string)

	// ToolInputDelta extends a tool call's input text.
	ToolInputDelta(callID, delta string)

	// ToolInput replaces a tool call's input wholesale, used when a running
	// update did not prefix-extend the previous input.
	ToolInput(callID string, input json.RawMessage)

	// ToolInputEnd signals the end of a tool call's input.
	ToolInputEnd(callID string)

	// ToolCall emits the finalized tool-call record.
	ToolCall(callID, tool string, input json.RawMessage)

	// ToolResult emits the tool's output. isError marks failed calls.
	ToolResult(callID, output string, isError bool)

	// File emits a tool attachment.
	File(attachmentID, mime, filename, url string)

	// ApprovalRequest surfaces a pending permission request.
	ApprovalRequest(requestID, tool, permission string)

	// Error surfaces a stream-level error message.
	Error(msg string)
}

// discardSink is used when no sink is configured.
type discardSink struct{}

func (discardSink) ToolInputStart(callID, tool string)                 {}
func (discardSink) ToolInputDelta(callID, delta string)                {}
func (discardSink) ToolInput(callID string, input json.RawMessage)     {}
func (discardSink) ToolInputEnd(callID string)                         {}
func (discardSink) ToolCall(callID, tool string, in json.RawMessage)   {}
func (discardSink) ToolResult(callID, output string, isError bool)     {}
func (discardSink) File(attachmentID, mime, filename, url string)      {}
func (discardSink) ApprovalRequest(requestID, tool, permission string) {}
func (discardSink) Error(msg string)                                   {}
