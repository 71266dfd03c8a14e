package state

import (
	"fmt"
	"regexp"
	"strings"
)

// RefTag is the tag name wrapped around injected reference IDs in the
// rewritten prompt. The model quotes these tags back when it wants to name a
// message or compressed block.
const RefTag = "dcp-message-id"

// BoundaryKind discriminates what an injected reference resolves to.
type BoundaryKind string

const (
	BoundaryMessage BoundaryKind = "message"
	BoundaryBlock   BoundaryKind = "compressed-block"
)

var (
	messageRefRe = regexp.MustCompile(`^m\d{4,}$`)
	blockRefRe   = regexp.MustCompile(`^b\d+$`)
)

// FormatMessageRef renders the nth injected message ref, e.g. m0001.
func FormatMessageRef(n int) string {
	return fmt.Sprintf("m%04d", n)
}

// FormatBlockRef renders a block ref, e.g. b1.
func FormatBlockRef(id int) string {
	return fmt.Sprintf("b%d", id)
}

// WrapRef renders a ref inside its prompt tag.
func WrapRef(ref string) string {
	return fmt.Sprintf("<%s>%s</%s>", RefTag, ref, RefTag)
}

// ParseBoundaryID recognizes an injected reference ID, optionally wrapped in
// its prompt tag. Returns the kind and the bare ref, or ok=false if the
// string is neither a message ref nor a block ref.
func ParseBoundaryID(s string) (kind BoundaryKind, ref string, ok bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<"+RefTag+">")
	s = strings.TrimSuffix(s, "</"+RefTag+">")
	s = strings.TrimSpace(s)
	switch {
	case messageRefRe.MatchString(s):
		return BoundaryMessage, s, true
	case blockRefRe.MatchString(s):
		return BoundaryBlock, s, true
	}
	return "", "", false
}

// Registry allocates and resolves the injected message refs for one session.
// Refs are stable across rewrites: once a raw message ID has a ref, it keeps
// it until the session is reset.
type Registry struct {
	ByRawID map[string]string `json:"byRawId"`
	ByRef   map[string]string `json:"byRef"`
	NextRef int               `json:"nextRef"`
}

// NewRegistry returns an empty registry. Numbering starts at m0001.
func NewRegistry() *Registry {
	return &Registry{
		ByRawID: make(map[string]string),
		ByRef:   make(map[string]string),
	}
}

// AssignMessageRef returns the ref for a raw message ID, allocating the next
// ref if the raw ID has none. Idempotent.
func (r *Registry) AssignMessageRef(rawID string) string {
	if ref, ok := r.ByRawID[rawID]; ok {
		return ref
	}
	r.NextRef++
	ref := FormatMessageRef(r.NextRef)
	r.ByRawID[rawID] = ref
	r.ByRef[ref] = rawID
	return ref
}

// LookupRawID resolves a ref back to its raw message ID.
func (r *Registry) LookupRawID(ref string) (string, bool) {
	rawID, ok := r.ByRef[ref]
	return rawID, ok
}

// LookupRef resolves a raw message ID to its ref, if assigned.
func (r *Registry) LookupRef(rawID string) (string, bool) {
	ref, ok := r.ByRawID[rawID]
	return ref, ok
}

// Reset clears all assignments. Numbering restarts at m0001.
func (r *Registry) Reset() {
	r.ByRawID = make(map[string]string)
	r.ByRef = make(map[string]string)
	r.NextRef = 0
}

// AllocateBlockID returns one greater than the highest block ID among the
// given summaries, or 1 when there are none. Block IDs only grow within a
// session, so a block can never reference a later block.
func AllocateBlockID(summaries []CompressSummary) int {
	max := 0
	for _, s := range summaries {
		if s.BlockID > max {
			max = s.BlockID
		}
	}
	return max + 1
}
