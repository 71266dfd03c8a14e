// Package state owns the per-session bookkeeping of the pruning engine: the
// prune maps, compressed-range summaries, tool-parameter cache, injected ref
// registry, and the durable file store that persists them across restarts.
package state

import (
	"bytes"
	"encoding/json"

	"github.com/pruneworks/dcp/message"
)

// CompressSummary is one compressed conversation range. AnchorMessageID names
// the raw message the synthesized block is spliced in at; Summary is the full
// block text including header and footer tag.
type CompressSummary struct {
	BlockID         int    `json:"blockId"`
	AnchorMessageID string `json:"anchorMessageId"`
	Summary         string `json:"summary"`
}

// PruneState maps pruned tool call IDs and raw message IDs to the token
// credit each earned when it was dropped from the outbound context.
type PruneState struct {
	Tools    map[string]int `json:"tools"`
	Messages map[string]int `json:"messages"`
}

// NewPruneState returns an empty PruneState with allocated maps.
func NewPruneState() PruneState {
	return PruneState{
		Tools:    make(map[string]int),
		Messages: make(map[string]int),
	}
}

// Stats tracks token credit earned by pruning. PruneTokenCounter is the
// running counter since the last nudge; TotalPruneTokens is the session
// lifetime total. The counter never exceeds the total.
type Stats struct {
	PruneTokenCounter int `json:"pruneTokenCounter"`
	TotalPruneTokens  int `json:"totalPruneTokens"`
}

// ManualTrigger is a pending explicit prune/compress request carried across
// event boundaries until the next planner pass.
type ManualTrigger struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt,omitempty"`
}

// ToolRecord is one cached tool invocation, keyed by tool call ID in
// SessionState.ToolParameters.
type ToolRecord struct {
	Tool       string             `json:"tool"`
	Parameters json.RawMessage    `json:"parameters,omitempty"`
	Status     message.ToolStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	Turn       int                `json:"turn"`
	TokenCount int                `json:"tokenCount,omitempty"`
}

// SessionState is the engine's working state for one session. It exclusively
// owns its child maps and slices; callers outside the package hold it only
// under the session's lock.
type SessionState struct {
	SessionID            string
	SessionName          string
	IsSubAgent           bool
	ManualMode           bool
	PendingManualTrigger *ManualTrigger

	Prune             PruneState
	CompressSummaries []CompressSummary
	Stats             Stats

	ToolParameters map[string]*ToolRecord
	ToolIDList     []string

	Refs         *Registry
	MessageRoles map[string]message.Role

	NudgeCounter   int
	LastToolPrune  int
	LastCompaction int64
	CurrentTurn    int

	// Host-reported model metadata, carried for diagnostics.
	Variant           string
	ModelContextLimit int
}

// NewSessionState returns a fresh state for the given session ID.
func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:      sessionID,
		Prune:          NewPruneState(),
		Stats:          Stats{},
		ToolParameters: make(map[string]*ToolRecord),
		Refs:           NewRegistry(),
		MessageRoles:   make(map[string]message.Role),
	}
}

// ResetForCompaction clears everything the host's compaction rolled up: the
// prune maps, summaries, tool cache, and ref registry. The session identity
// and mode flags survive.
func (s *SessionState) ResetForCompaction(at int64) {
	s.Prune = NewPruneState()
	s.CompressSummaries = nil
	s.Stats = Stats{}
	s.ToolParameters = make(map[string]*ToolRecord)
	s.ToolIDList = nil
	s.Refs.Reset()
	s.MessageRoles = make(map[string]message.Role)
	s.NudgeCounter = 0
	s.LastToolPrune = 0
	s.LastCompaction = at
	s.PendingManualTrigger = nil
}

// SummaryByAnchor returns the summary anchored at the given raw message ID.
func (s *SessionState) SummaryByAnchor(rawID string) (*CompressSummary, bool) {
	for i := range s.CompressSummaries {
		if s.CompressSummaries[i].AnchorMessageID == rawID {
			return &s.CompressSummaries[i], true
		}
	}
	return nil, false
}

// SummaryByBlockID returns the summary with the given block ID.
func (s *SessionState) SummaryByBlockID(id int) (*CompressSummary, bool) {
	for i := range s.CompressSummaries {
		if s.CompressSummaries[i].BlockID == id {
			return &s.CompressSummaries[i], true
		}
	}
	return nil, false
}

// ReplaceSummaries atomically removes the summaries whose block IDs appear in
// consumed and appends the replacement. Ordering by block ID is preserved
// because the replacement's ID is allocated above all existing IDs.
func (s *SessionState) ReplaceSummaries(consumed []int, replacement CompressSummary) {
	consumedSet := make(map[int]bool, len(consumed))
	for _, id := range consumed {
		consumedSet[id] = true
	}
	kept := s.CompressSummaries[:0]
	for _, sum := range s.CompressSummaries {
		if !consumedSet[sum.BlockID] {
			kept = append(kept, sum)
		}
	}
	s.CompressSummaries = append(kept, replacement)
}

// AddPruneCredit records token credit in the stats counters.
func (s *SessionState) AddPruneCredit(tokens int) {
	if tokens < 0 {
		return
	}
	s.Stats.PruneTokenCounter += tokens
	s.Stats.TotalPruneTokens += tokens
}

//// Tool-parameter cache /////////////////////////////////////////////////////

// RecordToolStart inserts a cache entry for a tool call entering pending or
// running state. Returns the record; insertion is idempotent.
func (s *SessionState) RecordToolStart(callID, tool string, input json.RawMessage, tokenCount int) *ToolRecord {
	return s.RecordToolAt(callID, tool, input, tokenCount, s.CurrentTurn)
}

// RecordToolAt is RecordToolStart with an explicit turn attribution, for
// callers replaying the message history rather than live events.
func (s *SessionState) RecordToolAt(callID, tool string, input json.RawMessage, tokenCount, turn int) *ToolRecord {
	if rec, ok := s.ToolParameters[callID]; ok {
		return rec
	}
	rec := &ToolRecord{
		Tool:       tool,
		Parameters: append(json.RawMessage(nil), input...),
		Status:     message.ToolPending,
		Turn:       turn,
		TokenCount: tokenCount,
	}
	s.ToolParameters[callID] = rec
	s.ToolIDList = append(s.ToolIDList, callID)
	return rec
}

// UpdateToolInput replaces the cached parameters when the running input has
// changed. Returns true if the new input prefix-extends the old one, in which
// case the caller may emit only the delta.
func (s *SessionState) UpdateToolInput(callID string, input json.RawMessage) (prefixExtend bool) {
	rec, ok := s.ToolParameters[callID]
	if !ok {
		return false
	}
	prefixExtend = bytes.HasPrefix(input, rec.Parameters)
	rec.Parameters = append(json.RawMessage(nil), input...)
	if rec.Status == message.ToolPending {
		rec.Status = message.ToolRunning
	}
	return prefixExtend
}

// CompleteTool marks a tool call completed and adds its output token cost.
// Repeated completions of the same call are ignored so the cost is counted
// once no matter how many times the host re-delivers the event.
func (s *SessionState) CompleteTool(callID string, outputTokens int) {
	rec, ok := s.ToolParameters[callID]
	if !ok || rec.Status == message.ToolCompleted {
		return
	}
	rec.Status = message.ToolCompleted
	rec.TokenCount += outputTokens
}

// FailTool marks a tool call errored. Errored calls are never pruned; they
// carry the diagnostic the model may need again.
func (s *SessionState) FailTool(callID, errMsg string) {
	rec, ok := s.ToolParameters[callID]
	if !ok || rec.Status == message.ToolError {
		return
	}
	rec.Status = message.ToolError
	rec.Error = errMsg
}
