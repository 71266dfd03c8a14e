package dcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/pruneworks/dcp/message"
	"github.com/pruneworks/dcp/state"
)

// PruneArgs are the arguments of the manual prune tool.
type PruneArgs struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt,omitempty"`
}

// PruneResult reports what a planner pass dropped.
type PruneResult struct {
	PrunedToolIDs    []string `json:"prunedToolIds"`
	PrunedMessageIDs []string `json:"prunedMessageIds"`
	TokensSaved      int      `json:"tokensSaved"`
}

// planPrune decides which cached tool calls and fully redacted messages to
// drop from the outbound context and records the token credit earned.
// Running it twice over the same state is a no-op on the second pass.
// Caller holds the session lock.
func (e *Engine) planPrune(h *session, msgs []*message.Message) *PruneResult {
	st := h.st
	result := &PruneResult{}

	// Sub-agent sessions bypass pruning entirely.
	if st.IsSubAgent {
		return result
	}
	// Manual mode only acts on an explicit trigger. Skipped opportunities
	// are tallied at turn end, not here: the planner runs on the rewrite
	// path too, and rewriting must stay a pure function of session state.
	if st.ManualMode && st.PendingManualTrigger == nil {
		return result
	}
	st.PendingManualTrigger = nil

	changed := false
	for _, callID := range st.ToolIDList {
		rec := st.ToolParameters[callID]
		if rec == nil || !e.toolEligible(st, callID, rec) {
			continue
		}
		saved := rec.TokenCount
		st.Prune.Tools[callID] = saved
		st.AddPruneCredit(saved)
		result.PrunedToolIDs = append(result.PrunedToolIDs, callID)
		result.TokensSaved += saved
		changed = true
	}

	// Messages whose every part is now pruned or synthetic collapse to a
	// one-line placeholder.
	for _, m := range msgs {
		if m.Role != message.Assistant || m.IsCompaction() {
			continue
		}
		if _, done := st.Prune.Messages[m.ID]; done {
			continue
		}
		if _, anchored := st.SummaryByAnchor(m.ID); anchored {
			continue
		}
		if !e.fullyRedacted(st, m) {
			continue
		}
		saved := e.redactedResidue(m)
		st.Prune.Messages[m.ID] = saved
		st.AddPruneCredit(saved)
		result.PrunedMessageIDs = append(result.PrunedMessageIDs, m.ID)
		result.TokensSaved += saved
		changed = true
	}

	if changed {
		st.LastToolPrune = st.CurrentTurn
		e.log.Debug("prune planner pass",
			"session", st.SessionID,
			"tools", len(result.PrunedToolIDs),
			"messages", len(result.PrunedMessageIDs),
			"tokens", result.TokensSaved)
		e.schedulePersist(h)
	}
	return result
}

// toolEligible applies the scope rules, in order of precedence.
func (e *Engine) toolEligible(st *state.SessionState, callID string, rec *state.ToolRecord) bool {
	if _, done := st.Prune.Tools[callID]; done {
		return false
	}
	// Errored calls carry the diagnostic the model may re-use.
	if rec.Status == message.ToolError {
		return false
	}
	if rec.Status != message.ToolCompleted {
		return false
	}
	if e.cfg.ToolProtected(rec.Tool) {
		return false
	}
	// Age gate: the call must be at least K turns old.
	if st.CurrentTurn-rec.Turn < e.cfg.PruneAgeTurns {
		return false
	}
	// Calls referenced by a live compress summary stay resolvable.
	for _, sum := range st.CompressSummaries {
		if strings.Contains(sum.Summary, callID) {
			return false
		}
	}
	return true
}

// tallyNudge advances the manual-mode nudge counter at turn end. A nudge that
// has been rendered since the last turn restarts the tally; a turn that left
// prunable entries on the table extends it. Caller holds the session lock.
func (e *Engine) tallyNudge(st *state.SessionState) {
	if !st.ManualMode || st.PendingManualTrigger != nil {
		return
	}
	if e.shouldNudge(st) {
		st.NudgeCounter = 0
		return
	}
	if e.countEligible(st) > 0 {
		st.NudgeCounter++
	}
}

func (e *Engine) countEligible(st *state.SessionState) int {
	n := 0
	for _, callID := range st.ToolIDList {
		if rec := st.ToolParameters[callID]; rec != nil && e.toolEligible(st, callID, rec) {
			n++
		}
	}
	return n
}

// fullyRedacted reports whether every part of the message is pruned tool
// output, synthetic text, or turn scaffolding.
func (e *Engine) fullyRedacted(st *state.SessionState, m *message.Message) bool {
	content := false
	for _, part := range m.Parts {
		switch p := part.(type) {
		case *message.ToolPart:
			content = true
			if _, pruned := st.Prune.Tools[p.CallID]; !pruned {
				return false
			}
		case *message.TextPart:
			if !p.Synthetic && !p.Ignored && p.Text != "" {
				return false
			}
		case *message.ReasoningPart:
			if p.Text != "" {
				return false
			}
		case *message.StepStartPart, *message.StepFinishPart,
			*message.SnapshotPart, *message.PatchPart, *message.RetryPart:
			// Scaffolding never blocks redaction.
		default:
			return false
		}
	}
	return content
}

// redactedResidue estimates the tokens still spent on a fully redacted
// message's non-tool parts; the tool outputs themselves were already
// credited when pruned.
func (e *Engine) redactedResidue(m *message.Message) int {
	total := 0
	for _, part := range m.Parts {
		if tp, ok := part.(*message.TextPart); ok {
			total += e.counter.Text(tp.Text)
		}
	}
	return total
}

// RunPrune handles the manual prune tool: it forces a planner pass for the
// session regardless of manual mode.
func (e *Engine) RunPrune(ctx context.Context, args PruneArgs) (*PruneResult, error) {
	if args.SessionID == "" {
		return nil, &ValidationError{Issues: []string{"sessionId is required"}}
	}
	msgs, err := e.host.Messages(ctx, args.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	h := e.handleFor(ctx, args.SessionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.st.PendingManualTrigger = &state.ManualTrigger{
		SessionID: args.SessionID,
		Prompt:    args.Prompt,
	}
	e.syncSession(h, msgs)
	result := e.planPrune(h, msgs)
	return result, nil
}
