package dcp

import (
	"context"
	"fmt"

	"github.com/pruneworks/dcp/message"
)

// OnEvent is the single entry point for host events. Events are processed in
// arrival order; duplicate events for the same part are idempotent.
func (e *Engine) OnEvent(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case PartUpdatedEvent:
		return e.onPartUpdated(ctx, ev)
	case *PartUpdatedEvent:
		return e.onPartUpdated(ctx, *ev)
	case MessageUpdatedEvent:
		return e.onMessageUpdated(ctx, ev)
	case *MessageUpdatedEvent:
		return e.onMessageUpdated(ctx, *ev)
	case SessionIdleEvent:
		return e.onTurnEnd(ctx, ev.SessionID)
	case *SessionIdleEvent:
		return e.onTurnEnd(ctx, ev.SessionID)
	case SessionStatusEvent:
		if ev.Status == "idle" {
			return e.onTurnEnd(ctx, ev.SessionID)
		}
		return nil
	case *SessionStatusEvent:
		if ev.Status == "idle" {
			return e.onTurnEnd(ctx, ev.SessionID)
		}
		return nil
	case PermissionAskedEvent:
		return e.onPermissionAsked(ctx, ev)
	case *PermissionAskedEvent:
		return e.onPermissionAsked(ctx, *ev)
	case QuestionAskedEvent:
		return e.onQuestionAsked(ctx, ev)
	case *QuestionAskedEvent:
		return e.onQuestionAsked(ctx, *ev)
	default:
		return nil
	}
}

// active reports whether the event belongs to the session the engine is
// currently serving. Events for other sessions are routed to their own
// entries; an empty active ID adopts the event's session.
func (e *Engine) sessionForID(ctx context.Context, sessionID string) *session {
	if sessionID == "" {
		return nil
	}
	return e.handleFor(ctx, sessionID)
}

func (e *Engine) onMessageUpdated(ctx context.Context, ev MessageUpdatedEvent) error {
	h := e.sessionForID(ctx, ev.SessionID)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.st.MessageRoles[ev.MessageID] = ev.Role
	if ev.Summary && ev.Role == message.Assistant && ev.Created > h.st.LastCompaction {
		e.log.Info("compaction detected, resetting session state",
			"session", ev.SessionID, "at", ev.Created)
		h.st.ResetForCompaction(ev.Created)
		e.schedulePersist(h)
	}
	return nil
}

func (e *Engine) onPartUpdated(ctx context.Context, ev PartUpdatedEvent) error {
	h := e.sessionForID(ctx, ev.SessionID)
	if h == nil || ev.Part == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	// User-message parts never reach the outbound stream, but step-start
	// parts still advance the turn counter.
	if role, ok := h.st.MessageRoles[ev.MessageID]; ok && role == message.User {
		if ev.Part.Type() == message.PartTypeStepStart {
			h.st.CurrentTurn++
		}
		return nil
	}

	switch part := ev.Part.(type) {
	case *message.ToolPart:
		e.routeToolPart(h, part)
	case *message.StepStartPart:
		h.st.CurrentTurn++
	}
	return nil
}

// routeToolPart dispatches a tool part to the parameter cache and emits the
// corresponding stream items. Caller holds the session lock.
func (e *Engine) routeToolPart(h *session, part *message.ToolPart) {
	callID := part.CallID
	if callID == "" {
		return
	}
	switch part.State.Status {
	case message.ToolPending:
		if _, exists := h.st.ToolParameters[callID]; !exists {
			e.sink.ToolInputStart(callID, part.Tool)
		}
		h.st.RecordToolStart(callID, part.Tool, part.State.Input,
			e.counter.Value(part.State.Input))

	case message.ToolRunning:
		if _, exists := h.st.ToolParameters[callID]; !exists {
			e.sink.ToolInputStart(callID, part.Tool)
			h.st.RecordToolStart(callID, part.Tool, nil, 0)
		}
		rec := h.st.ToolParameters[callID]
		prev := rec.Parameters
		if string(prev) == string(part.State.Input) {
			return
		}
		prefixExtend := h.st.UpdateToolInput(callID, part.State.Input)
		if prefixExtend {
			e.sink.ToolInputDelta(callID, string(part.State.Input[len(prev):]))
		} else {
			// Data preservation over bandwidth: re-emit the full input.
			e.sink.ToolInput(callID, part.State.Input)
		}

	case message.ToolCompleted:
		h.st.RecordToolStart(callID, part.Tool, part.State.Input,
			e.counter.Value(part.State.Input))
		if !h.emittedCalls[callID] {
			h.emittedCalls[callID] = true
			e.sink.ToolInputEnd(callID)
			e.sink.ToolCall(callID, part.Tool, part.State.Input)
		}
		if !h.emittedResults[callID] {
			h.emittedResults[callID] = true
			h.st.CompleteTool(callID, e.counter.Text(part.State.Output))
			e.sink.ToolResult(callID, part.State.Output, false)
			e.schedulePersist(h)
		}
		for _, att := range part.State.Attachments {
			if att.ID == "" || h.emittedFiles[att.ID] {
				continue
			}
			h.emittedFiles[att.ID] = true
			e.sink.File(att.ID, att.MIME, att.Filename, att.URL)
		}

	case message.ToolError:
		h.st.RecordToolStart(callID, part.Tool, part.State.Input,
			e.counter.Value(part.State.Input))
		if !h.emittedCalls[callID] {
			h.emittedCalls[callID] = true
			e.sink.ToolInputEnd(callID)
			e.sink.ToolCall(callID, part.Tool, part.State.Input)
		}
		if !h.emittedResults[callID] {
			h.emittedResults[callID] = true
			h.st.FailTool(callID, part.State.Error)
			e.log.Warn("tool call failed", "session", h.st.SessionID,
				"tool", part.Tool, "call", callID, "error", part.State.Error)
			e.sink.ToolResult(callID, part.State.Error, true)
		}
	}
}

// onTurnEnd runs the prune planner at the end of a turn.
func (e *Engine) onTurnEnd(ctx context.Context, sessionID string) error {
	h := e.sessionForID(ctx, sessionID)
	if h == nil {
		return nil
	}
	msgs, err := e.host.Messages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e.syncSession(h, msgs)
	e.tallyNudge(h.st)
	e.planPrune(h, msgs)
	return nil
}

func (e *Engine) onPermissionAsked(ctx context.Context, ev PermissionAskedEvent) error {
	h := e.sessionForID(ctx, ev.SessionID)
	if h == nil || ev.RequestID == "" {
		return nil
	}
	h.mu.Lock()
	asked := h.askedPermissions[ev.RequestID]
	h.askedPermissions[ev.RequestID] = true
	h.mu.Unlock()
	if !asked {
		e.sink.ApprovalRequest(ev.RequestID, ev.Tool, ev.Permission)
	}
	return nil
}

func (e *Engine) onQuestionAsked(ctx context.Context, ev QuestionAskedEvent) error {
	h := e.sessionForID(ctx, ev.SessionID)
	if h == nil || ev.QuestionID == "" {
		return nil
	}
	h.mu.Lock()
	asked := h.askedQuestions[ev.QuestionID]
	h.askedQuestions[ev.QuestionID] = true
	h.mu.Unlock()
	if !asked {
		// Interactive questions cannot be answered over this surface.
		e.sink.Error(fmt.Sprintf("interactive question %s cannot be answered here: %s",
			ev.QuestionID, ev.Question))
	}
	return nil
}
