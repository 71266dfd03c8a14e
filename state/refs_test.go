package state

import (
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"
)

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistryAssignMessageRef(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, "m0001", r.AssignMessageRef("raw-a"))
	assert.Equal(t, "m0002", r.AssignMessageRef("raw-b"))

	// Idempotent: the same raw ID keeps its ref.
	assert.Equal(t, "m0001", r.AssignMessageRef("raw-a"))
	assert.Equal(t, 2, r.NextRef)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.AssignMessageRef("raw-a")

	rawID, ok := r.LookupRawID("m0001")
	assert.True(t, ok)
	assert.Equal(t, "raw-a", rawID)

	ref, ok := r.LookupRef("raw-a")
	assert.True(t, ok)
	assert.Equal(t, "m0001", ref)

	_, ok = r.LookupRawID("m0099")
	assert.False(t, ok)
	_, ok = r.LookupRef("raw-z")
	assert.False(t, ok)
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	r.AssignMessageRef("raw-a")
	r.AssignMessageRef("raw-b")

	r.Reset()
	_, ok := r.LookupRef("raw-a")
	assert.False(t, ok)

	// Numbering restarts from the beginning.
	assert.Equal(t, "m0001", r.AssignMessageRef("raw-c"))
}

// ---------------------------------------------------------------------------
// Ref parsing
// ---------------------------------------------------------------------------

func TestParseBoundaryID(t *testing.T) {
	kind, ref, ok := ParseBoundaryID("m0007")
	assert.True(t, ok)
	assert.Equal(t, BoundaryMessage, kind)
	assert.Equal(t, "m0007", ref)

	kind, ref, ok = ParseBoundaryID("b3")
	assert.True(t, ok)
	assert.Equal(t, BoundaryBlock, kind)
	assert.Equal(t, "b3", ref)
}

func TestParseBoundaryIDWrapped(t *testing.T) {
	// The model often quotes the tag right back.
	kind, ref, ok := ParseBoundaryID("<dcp-message-id>m0012</dcp-message-id>")
	assert.True(t, ok)
	assert.Equal(t, BoundaryMessage, kind)
	assert.Equal(t, "m0012", ref)

	kind, ref, ok = ParseBoundaryID("  <dcp-message-id> b2 </dcp-message-id> ")
	assert.True(t, ok)
	assert.Equal(t, BoundaryBlock, kind)
	assert.Equal(t, "b2", ref)
}

func TestParseBoundaryIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "m1", "m12", "b", "block_1", "x0001", "m00a1"} {
		_, _, ok := ParseBoundaryID(s)
		assert.False(t, ok, "expected %q to be rejected", s)
	}
}

func TestWrapRef(t *testing.T) {
	assert.Equal(t, "<dcp-message-id>m0001</dcp-message-id>", WrapRef("m0001"))
}

// ---------------------------------------------------------------------------
// Block ID allocation
// ---------------------------------------------------------------------------

func TestAllocateBlockID(t *testing.T) {
	assert.Equal(t, 1, AllocateBlockID(nil))
	assert.Equal(t, 4, AllocateBlockID([]CompressSummary{
		{BlockID: 3},
		{BlockID: 1},
	}))
}
