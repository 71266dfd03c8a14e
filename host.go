package dcp

import (
	"context"

	"github.com/pruneworks/dcp/message"
)

// SessionInfo is the host's description of a session. A non-empty ParentID
// marks a sub-agent session, which the engine never prunes. Model and
// ContextLimit describe the model variant serving the session, when the host
// knows it.
type SessionInfo struct {
	ID           string `json:"id"`
	ParentID     string `json:"parentID,omitempty"`
	Title        string `json:"title,omitempty"`
	Model        string `json:"model,omitempty"`
	ContextLimit int    `json:"contextLimit,omitempty"`
}

// PermissionReply answers a pending permission request on the host.
type PermissionReply struct {
	RequestID string `json:"requestID"`
	Reply     string `json:"reply"`
	Message   string `json:"message,omitempty"`
}

// Host is the surface the embedding runtime must provide. All calls are
// expected to honor context cancellation.
type Host interface {
	// Session returns metadata for a session, used to detect sub-agents.
	Session(ctx context.Context, id string) (*SessionInfo, error)

	// Messages returns the full message list for a session, oldest first.
	Messages(ctx context.Context, id string) ([]*message.Message, error)

	// Abort cancels a running session.
	Abort(ctx context.Context, id string) error

	// Subscribe returns the host's conversation event stream. The channel
	// is closed when the subscription ends.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// ReplyPermission responds to a pending permission request.
	ReplyPermission(ctx context.Context, reply PermissionReply) error
}
