package dcp

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pruneworks/dcp/message"
	"github.com/pruneworks/dcp/state"
)

// blockHeader opens every synthesized block summary.
const blockHeader = "[Compressed conversation section]"

// Block placeholder shapes. Both are part of the on-disk compatibility
// contract: summaries written with either shape must keep resolving.
var (
	placeholderParenRe = regexp.MustCompile(`\(b(\d+)\)`)
	placeholderBraceRe = regexp.MustCompile(`\{block_(\d+)\}`)
)

// CompressArgs are the arguments of the compress meta-tool.
type CompressArgs struct {
	SessionID string `json:"sessionId"`
	Topic     string `json:"topic"`
	StartID   string `json:"startId"`
	EndID     string `json:"endId"`
	Summary   string `json:"summary"`
}

// CompressResult reports the outcome of a compress call.
type CompressResult struct {
	BlockID          int   `json:"blockId"`
	ConsumedBlockIDs []int `json:"consumedBlockIds"`
	PrunedCount      int   `json:"prunedCount"`
}

// boundary is one visible position in the conversation: either a raw message
// or a compressed block standing in for its range.
type boundary struct {
	kind     state.BoundaryKind
	rawIndex int
	// messageID is set for messages, blockID for blocks.
	messageID string
	blockID   int
	anchorID  string
}

// RunCompress handles the compress meta-tool: it resolves the requested
// range, validates the summary's block placeholders, splices consumed block
// bodies into the new summary, and replaces the range with the new block.
// Any validation failure is returned as a single error listing every issue;
// state is only mutated after all validation passes.
func (e *Engine) RunCompress(ctx context.Context, args CompressArgs) (*CompressResult, error) {
	verr := &ValidationError{}
	if args.SessionID == "" {
		return nil, &ValidationError{Issues: []string{"sessionId is required"}}
	}
	if strings.TrimSpace(args.Topic) == "" {
		verr.add("topic must be a non-empty string")
	}
	if strings.TrimSpace(args.Summary) == "" {
		verr.add("summary must be a non-empty string")
	}
	startKind, startRef, startOK := state.ParseBoundaryID(args.StartID)
	if !startOK {
		verr.add("startId %q is not a valid reference ID (expected mNNNN or bN)", args.StartID)
	}
	endKind, endRef, endOK := state.ParseBoundaryID(args.EndID)
	if !endOK {
		verr.add("endId %q is not a valid reference ID (expected mNNNN or bN)", args.EndID)
	}

	msgs, err := e.host.Messages(ctx, args.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	h := e.handleFor(ctx, args.SessionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	e.syncSession(h, msgs)
	st := h.st

	lookup := e.buildBoundaryLookup(st, msgs)

	var start, end *boundary
	if startOK {
		if b, ok := lookup[startRef]; ok && b.kind == startKind {
			start = b
		} else {
			verr.add("startId %s is not available in the current conversation context", startRef)
		}
	}
	if endOK {
		if b, ok := lookup[endRef]; ok && b.kind == endKind {
			end = b
		} else {
			verr.add("endId %s is not available in the current conversation context", endRef)
		}
	}
	if start != nil && end != nil && start.rawIndex > end.rawIndex {
		verr.add("startId %s must not come after endId %s", startRef, endRef)
	}
	if !verr.ok() {
		return nil, verr
	}

	// Walk the range: collect raw messages, their tool calls and token
	// counts, and every block whose anchor falls inside.
	var (
		rangeMessageIDs []string
		rangeTokens     = make(map[string]int)
		rangeToolIDs    []string
		requiredBlocks  = make(map[int]*state.CompressSummary)
		rawCount        int
		firstRawID      string
	)
	for i := start.rawIndex; i <= end.rawIndex; i++ {
		m := msgs[i]
		if e.isIgnoredUserMessage(m) {
			continue
		}
		if sum, ok := st.SummaryByAnchor(m.ID); ok {
			requiredBlocks[sum.BlockID] = sum
			continue
		}
		rawCount++
		if firstRawID == "" {
			firstRawID = m.ID
		}
		rangeMessageIDs = append(rangeMessageIDs, m.ID)
		rangeTokens[m.ID] = e.counter.MessageText(m)
		for _, tp := range m.ToolParts() {
			if tp.CallID != "" {
				rangeToolIDs = append(rangeToolIDs, tp.CallID)
			}
		}
	}
	if rawCount == 0 && start.kind == state.BoundaryBlock && end.kind == state.BoundaryBlock {
		verr.add("the selected range contains only compressed blocks and no messages")
		return nil, verr
	}

	// Validate placeholders against the required block set.
	placeholders, dupes := parsePlaceholders(args.Summary)
	if len(dupes) > 0 {
		verr.add("duplicate block placeholders: %s", joinBlockRefs(dupes))
	}
	boundaryBlocks := make(map[int]bool)
	if start.kind == state.BoundaryBlock {
		boundaryBlocks[start.blockID] = true
	}
	if end.kind == state.BoundaryBlock {
		boundaryBlocks[end.blockID] = true
	}
	var outOfRange []int
	for _, id := range placeholders {
		if _, known := st.SummaryByBlockID(id); !known {
			verr.add("unknown block placeholder %s", state.FormatBlockRef(id))
			continue
		}
		if _, required := requiredBlocks[id]; !required {
			outOfRange = append(outOfRange, id)
		}
	}
	if len(outOfRange) > 0 {
		verr.add("invalid block placeholders for selected range: %s", joinBlockRefs(outOfRange))
	}
	placeholderSet := make(map[int]bool, len(placeholders))
	for _, id := range placeholders {
		placeholderSet[id] = true
	}
	for id := range requiredBlocks {
		// Boundary blocks are injected automatically when omitted.
		if !placeholderSet[id] && !boundaryBlocks[id] {
			verr.add("summary must include a placeholder for block %s covered by the range", state.FormatBlockRef(id))
		}
	}
	if !verr.ok() {
		return nil, verr
	}

	// Splice consumed block bodies into the summary text.
	body := splicePlaceholders(args.Summary, requiredBlocks)
	for id := range requiredBlocks {
		if placeholderSet[id] || !boundaryBlocks[id] {
			continue
		}
		stripped := stripBlockEnvelope(requiredBlocks[id].Summary)
		if id == start.blockID && start.kind == state.BoundaryBlock {
			body = stripped + "\n\n" + body
		} else {
			body = body + "\n\n" + stripped
		}
	}

	newID := state.AllocateBlockID(st.CompressSummaries)
	anchorID := firstRawID
	if start.kind == state.BoundaryBlock {
		anchorID = start.anchorID
	} else if anchorID == "" {
		anchorID = start.messageID
	}
	summaryText := fmt.Sprintf("%s\nTopic: %s\n\n%s\n\n%s",
		blockHeader, strings.TrimSpace(args.Topic), strings.TrimSpace(body),
		state.WrapRef(state.FormatBlockRef(newID)))

	consumed := make([]int, 0, len(requiredBlocks))
	for id := range requiredBlocks {
		consumed = append(consumed, id)
	}
	sort.Ints(consumed)

	// Consumed summaries surrender their token credit to the stats before
	// they disappear from the sequence.
	for _, id := range consumed {
		st.AddPruneCredit(e.counter.Text(requiredBlocks[id].Summary))
	}
	st.ReplaceSummaries(consumed, state.CompressSummary{
		BlockID:         newID,
		AnchorMessageID: anchorID,
		Summary:         summaryText,
	})

	pruned := 0
	for _, id := range rangeMessageIDs {
		if _, done := st.Prune.Messages[id]; done {
			continue
		}
		st.Prune.Messages[id] = rangeTokens[id]
		st.AddPruneCredit(rangeTokens[id])
		pruned++
	}
	for _, callID := range rangeToolIDs {
		if _, done := st.Prune.Tools[callID]; done {
			continue
		}
		saved := 0
		if rec, ok := st.ToolParameters[callID]; ok {
			saved = rec.TokenCount
		}
		st.Prune.Tools[callID] = saved
		st.AddPruneCredit(saved)
		pruned++
	}

	e.log.Info("compressed conversation range",
		"session", st.SessionID,
		"block", newID,
		"consumed", consumed,
		"messages", len(rangeMessageIDs),
		"tools", len(rangeToolIDs))
	e.schedulePersist(h)

	return &CompressResult{
		BlockID:          newID,
		ConsumedBlockIDs: consumed,
		PrunedCount:      pruned,
	}, nil
}

// buildBoundaryLookup maps every visible ref to its conversation position.
// Ignored user messages are excluded; compressed anchors are visible as
// their block refs rather than message refs.
func (e *Engine) buildBoundaryLookup(st *state.SessionState, msgs []*message.Message) map[string]*boundary {
	lookup := make(map[string]*boundary)
	for i, m := range msgs {
		if e.isIgnoredUserMessage(m) {
			continue
		}
		if sum, ok := st.SummaryByAnchor(m.ID); ok {
			lookup[state.FormatBlockRef(sum.BlockID)] = &boundary{
				kind:     state.BoundaryBlock,
				rawIndex: i,
				blockID:  sum.BlockID,
				anchorID: sum.AnchorMessageID,
			}
			// The anchor's own message ref stays resolvable so a new range
			// can start at the message the block replaced.
		}
		ref := st.Refs.AssignMessageRef(m.ID)
		lookup[ref] = &boundary{
			kind:      state.BoundaryMessage,
			rawIndex:  i,
			messageID: m.ID,
		}
	}
	return lookup
}

// parsePlaceholders extracts block IDs from both placeholder shapes, in
// order of appearance. The second return lists IDs that appear more than
// once.
func parsePlaceholders(summary string) (ids []int, dupes []int) {
	seen := make(map[int]int)
	appendMatch := func(raw string) {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return
		}
		seen[id]++
		if seen[id] == 1 {
			ids = append(ids, id)
		} else if seen[id] == 2 {
			dupes = append(dupes, id)
		}
	}
	for _, m := range placeholderParenRe.FindAllStringSubmatch(summary, -1) {
		appendMatch(m[1])
	}
	for _, m := range placeholderBraceRe.FindAllStringSubmatch(summary, -1) {
		appendMatch(m[1])
	}
	return ids, dupes
}

// splicePlaceholders replaces each placeholder with the referenced block's
// body, header and footer stripped.
func splicePlaceholders(summary string, blocks map[int]*state.CompressSummary) string {
	replace := func(match, raw string) string {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return match
		}
		sum, ok := blocks[id]
		if !ok {
			return match
		}
		return stripBlockEnvelope(sum.Summary)
	}
	out := placeholderParenRe.ReplaceAllStringFunc(summary, func(match string) string {
		return replace(match, placeholderParenRe.FindStringSubmatch(match)[1])
	})
	out = placeholderBraceRe.ReplaceAllStringFunc(out, func(match string) string {
		return replace(match, placeholderBraceRe.FindStringSubmatch(match)[1])
	})
	return out
}

// stripBlockEnvelope removes the header, topic line, and footer tag from a
// block summary, leaving the body text.
func stripBlockEnvelope(summary string) string {
	s := strings.TrimSpace(summary)
	s = strings.TrimPrefix(s, blockHeader)
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "Topic:") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		} else {
			s = ""
		}
	}
	if idx := strings.LastIndex(s, "<"+state.RefTag+">"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func joinBlockRefs(ids []int) string {
	sort.Ints(ids)
	refs := make([]string, len(ids))
	for i, id := range ids {
		refs[i] = state.FormatBlockRef(id)
	}
	return strings.Join(refs, ", ")
}
