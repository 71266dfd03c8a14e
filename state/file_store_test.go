package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	assert.NoError(t, err)
	return store
}

// ---------------------------------------------------------------------------
// Save / Load
// ---------------------------------------------------------------------------

func TestFileStoreSaveLoad(t *testing.T) {
	store := newTestStore(t)

	snap := &PersistedState{
		SessionName: "refactor",
		Prune:       NewPruneState(),
		Stats:       Stats{PruneTokenCounter: 5, TotalPruneTokens: 50},
		CompressSummaries: []CompressSummary{
			{BlockID: 1, AnchorMessageID: "msg-a", Summary: "early work"},
		},
	}
	snap.Prune.Tools["call-1"] = 30
	snap.Prune.Messages["msg-b"] = 20

	assert.NoError(t, store.Save("sess-1", snap))

	loaded, err := store.Load("sess-1")
	assert.NoError(t, err)
	assert.Equal(t, "refactor", loaded.SessionName)
	assert.Equal(t, 30, loaded.Prune.Tools["call-1"])
	assert.Equal(t, 20, loaded.Prune.Messages["msg-b"])
	assert.Equal(t, 50, loaded.Stats.TotalPruneTokens)
	assert.Equal(t, 1, len(loaded.CompressSummaries))
	assert.Equal(t, "early work", loaded.CompressSummaries[0].Summary)
	assert.False(t, loaded.LastUpdated.IsZero())
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	store := newTestStore(t)

	// Corrupt and unrecognizable files both read as "no persisted state".
	writeFile := func(name, content string) {
		assert.NoError(t, os.WriteFile(filepath.Join(store.Dir(), name+".json"), []byte(content), 0644))
	}
	writeFile("garbage", "{not json")
	writeFile("wrong-schema", `{"foo": 1}`)
	writeFile("missing-stats", `{"prune": {"tools": {}, "messages": {}}}`)

	for _, id := range []string{"garbage", "wrong-schema", "missing-stats"} {
		_, err := store.Load(id)
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound for %s", id)
	}
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	store := newTestStore(t)

	first := &PersistedState{Prune: NewPruneState(), Stats: Stats{TotalPruneTokens: 1}}
	assert.NoError(t, store.Save("sess-1", first))
	second := &PersistedState{Prune: NewPruneState(), Stats: Stats{TotalPruneTokens: 2}}
	assert.NoError(t, store.Save("sess-1", second))

	loaded, err := store.Load("sess-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, loaded.Stats.TotalPruneTokens)

	// No temp files left behind by the atomic write.
	entries, err := os.ReadDir(store.Dir())
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"", ".", "..", "../evil", "a/b", `a\b`, "a..b"} {
		err := store.Save(id, &PersistedState{Prune: NewPruneState()})
		assert.True(t, errors.Is(err, ErrInvalidSessionID), "expected rejection for %q", id)
		_, err = store.Load(id)
		assert.True(t, errors.Is(err, ErrInvalidSessionID), "expected rejection for %q", id)
	}
}

func TestFileStoreDeleteAndList(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Save("sess-1", &PersistedState{Prune: NewPruneState()}))
	assert.NoError(t, store.Save("sess-2", &PersistedState{Prune: NewPruneState()}))

	ids, err := store.List()
	assert.NoError(t, err)
	assert.Equal(t, 2, len(ids))

	assert.NoError(t, store.Delete("sess-1"))
	assert.NoError(t, store.Delete("sess-1")) // idempotent

	ids, err = store.List()
	assert.NoError(t, err)
	assert.Equal(t, []string{"sess-2"}, ids)
}

// ---------------------------------------------------------------------------
// Legacy migration
// ---------------------------------------------------------------------------

func TestLoadMigratesLegacyPruneArrays(t *testing.T) {
	store := newTestStore(t)
	legacy := `{
		"prune": {"toolIds": ["call-1", "call-2"], "messageIds": ["msg-1"]},
		"stats": {"pruneTokenCounter": 0, "totalPruneTokens": 7}
	}`
	assert.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "old.json"), []byte(legacy), 0644))

	loaded, err := store.Load("old")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(loaded.Prune.Tools))
	assert.Equal(t, 0, loaded.Prune.Tools["call-1"])
	assert.Equal(t, 0, loaded.Prune.Messages["msg-1"])
	assert.Equal(t, 7, loaded.Stats.TotalPruneTokens)
}

func TestLoadLegacyArraysMergeWithMaps(t *testing.T) {
	store := newTestStore(t)
	// A half-migrated file may carry both shapes; the map entry wins.
	mixed := `{
		"prune": {"tools": {"call-1": 9}, "toolIds": ["call-1", "call-2"], "messages": {}},
		"stats": {}
	}`
	assert.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "mixed.json"), []byte(mixed), 0644))

	loaded, err := store.Load("mixed")
	assert.NoError(t, err)
	assert.Equal(t, 9, loaded.Prune.Tools["call-1"])
	assert.Equal(t, 0, loaded.Prune.Tools["call-2"])
}

func TestLoadValidatesSummaries(t *testing.T) {
	store := newTestStore(t)
	data := `{
		"prune": {"tools": {}, "messages": {}},
		"stats": {},
		"compressSummaries": [
			{"blockId": 1, "anchorMessageId": "msg-a", "summary": "good"},
			{"anchorMessageId": "msg-b"},
			"not an object",
			{"blockId": 1, "anchorMessageId": "msg-c", "summary": "duplicate id"},
			{"anchorMessageId": "msg-d", "summary": "no block id"}
		]
	}`
	assert.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "sums.json"), []byte(data), 0644))

	loaded, err := store.Load("sums")
	assert.NoError(t, err)

	// The malformed entry and the duplicate are dropped; the entry without a
	// block ID gets a fresh one above the existing maximum.
	assert.Equal(t, 2, len(loaded.CompressSummaries))
	assert.Equal(t, 1, loaded.CompressSummaries[0].BlockID)
	assert.Equal(t, "good", loaded.CompressSummaries[0].Summary)
	assert.Equal(t, 2, loaded.CompressSummaries[1].BlockID)
	assert.Equal(t, "msg-d", loaded.CompressSummaries[1].AnchorMessageID)
}

func TestLoadOrdersSummariesByBlockID(t *testing.T) {
	store := newTestStore(t)
	data := `{
		"prune": {"tools": {}, "messages": {}},
		"stats": {},
		"compressSummaries": [
			{"blockId": 3, "anchorMessageId": "msg-c", "summary": "third"},
			{"blockId": 1, "anchorMessageId": "msg-a", "summary": "first"},
			{"blockId": 2, "anchorMessageId": "msg-b", "summary": "second"}
		]
	}`
	assert.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "shuffled.json"), []byte(data), 0644))

	loaded, err := store.Load("shuffled")
	assert.NoError(t, err)
	assert.Equal(t, 3, len(loaded.CompressSummaries))
	for i, sum := range loaded.CompressSummaries {
		assert.Equal(t, i+1, sum.BlockID)
	}
	assert.Equal(t, "first", loaded.CompressSummaries[0].Summary)
	assert.Equal(t, "third", loaded.CompressSummaries[2].Summary)
}

// ---------------------------------------------------------------------------
// Snapshot / Apply
// ---------------------------------------------------------------------------

func TestSnapshotSharesNothing(t *testing.T) {
	st := NewSessionState("s1")
	st.SessionName = "demo"
	st.Prune.Tools["call-1"] = 10
	st.CompressSummaries = []CompressSummary{{BlockID: 1, AnchorMessageID: "msg-a"}}

	snap := Snapshot(st)
	st.Prune.Tools["call-2"] = 20
	st.CompressSummaries[0].Summary = "mutated"

	assert.Equal(t, 1, len(snap.Prune.Tools))
	assert.Equal(t, "", snap.CompressSummaries[0].Summary)
}

func TestApplyRoundTrip(t *testing.T) {
	st := NewSessionState("s1")
	st.SessionName = "demo"
	st.Prune.Tools["call-1"] = 10
	st.Prune.Messages["msg-1"] = 4
	st.Stats = Stats{PruneTokenCounter: 1, TotalPruneTokens: 14}

	fresh := NewSessionState("s1")
	Snapshot(st).Apply(fresh)
	assert.Equal(t, "demo", fresh.SessionName)
	assert.Equal(t, 10, fresh.Prune.Tools["call-1"])
	assert.Equal(t, 4, fresh.Prune.Messages["msg-1"])
	assert.Equal(t, 14, fresh.Stats.TotalPruneTokens)
}

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestAggregateStats(t *testing.T) {
	store := newTestStore(t)

	a := &PersistedState{Prune: NewPruneState(), Stats: Stats{TotalPruneTokens: 100}}
	a.Prune.Tools["call-1"] = 60
	a.Prune.Tools["call-2"] = 40
	assert.NoError(t, store.Save("sess-a", a))

	b := &PersistedState{Prune: NewPruneState(), Stats: Stats{TotalPruneTokens: 30}}
	b.Prune.Messages["msg-1"] = 30
	assert.NoError(t, store.Save("sess-b", b))

	// Malformed files are skipped, not counted.
	assert.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "junk.json"), []byte("{"), 0644))

	result, err := AggregateStats(store.Dir())
	assert.NoError(t, err)
	assert.Equal(t, 2, result.SessionCount)
	assert.Equal(t, 130, result.TotalTokens)
	assert.Equal(t, 2, result.TotalTools)
	assert.Equal(t, 1, result.TotalMessages)
}

func TestAggregateStatsMissingDir(t *testing.T) {
	result, err := AggregateStats(filepath.Join(t.TempDir(), "never-created"))
	assert.NoError(t, err)
	assert.Equal(t, 0, result.SessionCount)
}
