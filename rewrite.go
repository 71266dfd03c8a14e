package dcp

import (
	"fmt"

	"github.com/pruneworks/dcp/message"
	"github.com/pruneworks/dcp/state"
)

// nudgeText is appended as a synthetic user message when manual mode has
// accumulated enough skipped pruning opportunities.
const nudgeText = "Context is accumulating prunable tool output. Consider calling the compress tool to summarize completed work."

// isIgnoredUserMessage reports whether a user message is internally
// generated and should be skipped for ref assignment and compress-range
// boundaries: every part synthetic or ignored, or the combined text matching
// a configured ignored pattern.
func (e *Engine) isIgnoredUserMessage(m *message.Message) bool {
	if m.Role != message.User {
		return false
	}
	allSynthetic := true
	for _, part := range m.Parts {
		tp, ok := part.(*message.TextPart)
		if !ok {
			// Non-text parts in a user message (files, etc.) are real content.
			allSynthetic = false
			break
		}
		if !tp.Synthetic && !tp.Ignored {
			allSynthetic = false
			break
		}
	}
	if allSynthetic && len(m.Parts) > 0 {
		return true
	}
	return e.cfg.MessageIgnoredByPattern(m.Text())
}

// prunedToolPlaceholder is the compact stand-in for a pruned tool output.
func prunedToolPlaceholder(tool, ref string, saved int) string {
	return fmt.Sprintf("[pruned: %s call %s, saved ~%d tokens]", tool, ref, saved)
}

// prunedMessagePlaceholder is the one-line stand-in for a fully pruned
// message.
func prunedMessagePlaceholder(ref string, saved int) string {
	return fmt.Sprintf("%s [pruned message, saved ~%d tokens]", state.WrapRef(ref), saved)
}

// rewriteMessages produces the outbound message list: ignored user messages
// dropped, refs tagged in, compressed anchors replaced by their block
// summaries, pruned tool outputs and messages collapsed to placeholders.
// Host messages are copied, never mutated. Caller holds the session lock.
func (e *Engine) rewriteMessages(h *session, msgs []*message.Message) []*message.Message {
	st := h.st
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		if e.isIgnoredUserMessage(m) {
			continue
		}

		// A compressed anchor becomes the synthesized block message. The
		// block summary carries its own header and footer tag.
		if sum, ok := st.SummaryByAnchor(m.ID); ok {
			out = append(out, &message.Message{
				ID:        m.ID,
				SessionID: m.SessionID,
				Role:      message.Assistant,
				Time:      m.Time,
				Parts: []message.Part{
					&message.TextPart{Text: sum.Summary, Synthetic: true},
				},
			})
			continue
		}

		ref := st.Refs.AssignMessageRef(m.ID)

		if saved, pruned := st.Prune.Messages[m.ID]; pruned {
			out = append(out, &message.Message{
				ID:        m.ID,
				SessionID: m.SessionID,
				Role:      m.Role,
				Time:      m.Time,
				Summary:   m.Summary,
				Parts: []message.Part{
					&message.TextPart{Text: prunedMessagePlaceholder(ref, saved), Synthetic: true},
				},
			})
			continue
		}

		cp := m.Copy()
		for _, part := range cp.Parts {
			tp, ok := part.(*message.ToolPart)
			if !ok {
				continue
			}
			if saved, pruned := st.Prune.Tools[tp.CallID]; pruned {
				tp.State.Output = prunedToolPlaceholder(tp.Tool, ref, saved)
				tp.State.Attachments = nil
			}
		}
		cp.Parts = append([]message.Part{
			&message.TextPart{Text: state.WrapRef(ref), Synthetic: true},
		}, cp.Parts...)
		out = append(out, cp)
	}

	// The counter is advanced and reset at turn end, never here, so
	// rewriting the same state twice yields the same output.
	if e.shouldNudge(st) {
		out = append(out, &message.Message{
			SessionID: st.SessionID,
			Role:      message.User,
			Parts: []message.Part{
				&message.TextPart{Text: nudgeText, Synthetic: true},
			},
		})
	}
	return out
}

func (e *Engine) shouldNudge(st *state.SessionState) bool {
	if !st.ManualMode || e.cfg.NudgeInterval <= 0 {
		return false
	}
	return st.NudgeCounter >= e.cfg.NudgeInterval
}
