package dcp

import (
	"context"
	"strings"
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"

	"github.com/pruneworks/dcp/message"
	"github.com/pruneworks/dcp/state"
)

func erroredTool(callID, tool, errMsg string) *message.ToolPart {
	return &message.ToolPart{
		CallID: callID,
		Tool:   tool,
		State: message.ToolState{
			Status: message.ToolError,
			Error:  errMsg,
		},
	}
}

// ---------------------------------------------------------------------------
// Eligibility rules
// ---------------------------------------------------------------------------

func TestErroredToolCallsAreKept(t *testing.T) {
	host := newFakeHost()
	msgs := []*message.Message{
		userMsg("msg-u1", "run the tests"),
		assistantTurn("msg-a1",
			erroredTool("call-1", "bash", "exit status 1"),
			&message.TextPart{Text: "The tests failed."}),
		userMsg("msg-u2", "fix them"),
		assistantTurn("msg-a2", &message.TextPart{Text: "working on it"}),
	}
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, nil)

	_, err := e.RewritePrompt(context.Background(), msgs)
	assert.NoError(t, err)

	// The error diagnostic stays in context even though the call has aged.
	st := e.sessionForID(context.Background(), sessID).st
	assert.Equal(t, 0, len(st.Prune.Tools))
}

func TestProtectedToolsAreKept(t *testing.T) {
	host := newFakeHost()
	cfg := DefaultConfig()
	cfg.ProtectedTools = []string{"todo*"}
	msgs := []*message.Message{
		userMsg("msg-u1", "plan it"),
		assistantTurn("msg-a1",
			completedTool("call-1", "todowrite", "1. write tests"),
			completedTool("call-2", "bash", strings.Repeat("noise ", 30)),
			&message.TextPart{Text: "Planned."}),
		userMsg("msg-u2", "go"),
		assistantTurn("msg-a2", &message.TextPart{Text: "ok"}),
	}
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, cfg)

	_, err := e.RewritePrompt(context.Background(), msgs)
	assert.NoError(t, err)

	st := e.sessionForID(context.Background(), sessID).st
	_, pruned := st.Prune.Tools["call-1"]
	assert.False(t, pruned, "protected tool must survive")
	_, pruned = st.Prune.Tools["call-2"]
	assert.True(t, pruned)
}

func TestToolsReferencedBySummaryAreKept(t *testing.T) {
	host := newFakeHost()
	msgs := twoTurnConversation()
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, nil)

	h := e.sessionForID(context.Background(), sessID)
	h.mu.Lock()
	h.st.CompressSummaries = []state.CompressSummary{{
		BlockID:         1,
		AnchorMessageID: "msg-x",
		Summary:         "Earlier the model ran call-1 to list files.",
	}}
	h.mu.Unlock()

	_, err := e.RewritePrompt(context.Background(), msgs)
	assert.NoError(t, err)

	_, pruned := h.st.Prune.Tools["call-1"]
	assert.False(t, pruned, "calls named by a live summary stay resolvable")
}

func TestRecentToolCallsAreKept(t *testing.T) {
	host := newFakeHost()
	cfg := DefaultConfig()
	cfg.PruneAgeTurns = 5
	msgs := twoTurnConversation()
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, cfg)

	_, err := e.RewritePrompt(context.Background(), msgs)
	assert.NoError(t, err)

	// With a five-turn threshold nothing in a two-turn session is old enough.
	st := e.sessionForID(context.Background(), sessID).st
	assert.Equal(t, 0, len(st.Prune.Tools))
}

func TestFullyRedactedMessageCollapses(t *testing.T) {
	host := newFakeHost()
	msgs := []*message.Message{
		userMsg("msg-u1", "list the files"),
		assistantTurn("msg-a1",
			completedTool("call-1", "bash", strings.Repeat("file ", 50))),
		userMsg("msg-u2", "thanks"),
		assistantTurn("msg-a2", &message.TextPart{Text: "np"}),
	}
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, nil)

	out, err := e.RewritePrompt(context.Background(), msgs)
	assert.NoError(t, err)

	// The tool-only message is pruned wholesale once its output is gone.
	st := e.sessionForID(context.Background(), sessID).st
	_, pruned := st.Prune.Messages["msg-a1"]
	assert.True(t, pruned)
	assert.Len(t, out[1].Parts, 1)
	text := out[1].Parts[0].(*message.TextPart)
	assert.Contains(t, text.Text, "[pruned message")

	// The message with real text stays whole.
	_, pruned = st.Prune.Messages["msg-a2"]
	assert.False(t, pruned)
}

// ---------------------------------------------------------------------------
// Manual mode
// ---------------------------------------------------------------------------

func TestManualModeSkipsAutomaticPruning(t *testing.T) {
	host := newFakeHost()
	cfg := DefaultConfig()
	cfg.ManualMode = true
	msgs := twoTurnConversation()
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, cfg)

	out, err := e.RewritePrompt(context.Background(), msgs)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(toolOutput(out[1]), "listing"))

	// Rewriting alone never touches the nudge tally; turn end does.
	st := e.sessionForID(context.Background(), sessID).st
	assert.Equal(t, 0, len(st.Prune.Tools))
	assert.Equal(t, 0, st.NudgeCounter)

	assert.NoError(t, e.OnEvent(context.Background(), SessionIdleEvent{SessionID: sessID}))
	assert.Equal(t, 1, st.NudgeCounter)
	assert.Equal(t, 0, len(st.Prune.Tools))
}

func TestManualModeNudgeAfterInterval(t *testing.T) {
	host := newFakeHost()
	cfg := DefaultConfig()
	cfg.ManualMode = true
	cfg.NudgeInterval = 2
	msgs := twoTurnConversation()
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, cfg)
	ctx := context.Background()
	idle := func() {
		assert.NoError(t, e.OnEvent(ctx, SessionIdleEvent{SessionID: sessID}))
	}
	st := e.sessionForID(ctx, sessID).st

	idle()
	idle()
	assert.Equal(t, 2, st.NudgeCounter)

	// At the threshold every rewrite carries the reminder. Two consecutive
	// rewrites with no turn in between are identical.
	out, err := e.RewritePrompt(ctx, msgs)
	assert.NoError(t, err)
	assert.Len(t, out, 5)
	last := out[4]
	assert.Equal(t, message.User, last.Role)
	text := last.Parts[0].(*message.TextPart)
	assert.True(t, text.Synthetic)
	assert.Equal(t, nudgeText, text.Text)

	again, err := e.RewritePrompt(ctx, msgs)
	assert.NoError(t, err)
	assert.Len(t, again, 5)
	assert.Equal(t, nudgeText, again[4].Parts[0].(*message.TextPart).Text)

	// The delivered nudge restarts the tally at the next turn end.
	idle()
	assert.Equal(t, 0, st.NudgeCounter)
	out, err = e.RewritePrompt(ctx, msgs)
	assert.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestRunPrune(t *testing.T) {
	host := newFakeHost()
	cfg := DefaultConfig()
	cfg.ManualMode = true
	msgs := twoTurnConversation()
	host.messages[sessID] = msgs
	e, _ := newTestEngine(t, host, cfg)

	// An explicit prune call overrides manual mode's gate.
	result, err := e.RunPrune(context.Background(), PruneArgs{SessionID: sessID})
	assert.NoError(t, err)
	assert.Equal(t, []string{"call-1"}, result.PrunedToolIDs)
	assert.True(t, result.TokensSaved > 0)

	st := e.sessionForID(context.Background(), sessID).st
	assert.Equal(t, result.TokensSaved, st.Stats.TotalPruneTokens)
	assert.Equal(t, st.CurrentTurn, st.LastToolPrune)
	assert.Nil(t, st.PendingManualTrigger)
}

func TestRunPruneRequiresSessionID(t *testing.T) {
	host := newFakeHost()
	e, _ := newTestEngine(t, host, nil)

	_, err := e.RunPrune(context.Background(), PruneArgs{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sessionId is required")
}
