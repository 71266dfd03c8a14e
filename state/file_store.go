package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no persisted state exists for a session.
// Corrupt or unrecognizable files are reported the same way: the engine
// starts that session fresh rather than failing.
var ErrNotFound = errors.New("session state not found")

// ErrInvalidSessionID is returned when a session ID contains path separators,
// relative path components, or other characters that could cause traversal
// outside the store directory.
var ErrInvalidSessionID = errors.New("invalid session ID")

// PersistedState is the durable subset of SessionState, one JSON file per
// session.
type PersistedState struct {
	SessionName       string            `json:"sessionName,omitempty"`
	Prune             PruneState        `json:"prune"`
	CompressSummaries []CompressSummary `json:"compressSummaries"`
	Stats             Stats             `json:"stats"`
	LastUpdated       time.Time         `json:"lastUpdated"`
}

// Snapshot extracts the durable subset of a SessionState. The result shares
// no structure with the state, so it can be written without the session lock.
func Snapshot(s *SessionState) *PersistedState {
	snap := &PersistedState{
		SessionName: s.SessionName,
		Prune:       NewPruneState(),
		Stats:       s.Stats,
	}
	for id, tokens := range s.Prune.Tools {
		snap.Prune.Tools[id] = tokens
	}
	for id, tokens := range s.Prune.Messages {
		snap.Prune.Messages[id] = tokens
	}
	snap.CompressSummaries = append([]CompressSummary(nil), s.CompressSummaries...)
	return snap
}

// Apply copies a loaded snapshot into a SessionState.
func (p *PersistedState) Apply(s *SessionState) {
	s.SessionName = p.SessionName
	s.Prune = NewPruneState()
	for id, tokens := range p.Prune.Tools {
		s.Prune.Tools[id] = tokens
	}
	for id, tokens := range p.Prune.Messages {
		s.Prune.Messages[id] = tokens
	}
	s.CompressSummaries = append([]CompressSummary(nil), p.CompressSummaries...)
	s.Stats = p.Stats
}

// FileStore persists one JSON file per session under a single directory.
// Writes go to a sibling temp file followed by rename, so a crash never
// leaves a half-written state file. Writers for the same session are
// serialized by a per-session lock.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// DefaultDir resolves the storage directory once at startup:
// $XDG_DATA_HOME/opencode/storage/plugin/dcp, falling back to
// $HOME/.local/share/opencode/storage/plugin/dcp.
func DefaultDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			var err error
			home, err = os.UserHomeDir()
			if err != nil {
				return "", err
			}
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "opencode", "storage", "plugin", "dcp"), nil
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// if it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, dir[2:])
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// validateID rejects session IDs that could escape the store directory.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\") ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func (s *FileStore) path(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// sessionLock returns the lock serializing writes for one session.
func (s *FileStore) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Save atomically writes the session's state file. LastUpdated is stamped
// here.
func (s *FileStore) Save(id string, snap *PersistedState) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	snap.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, p)
}

// Load reads and migrates the session's state file. Returns ErrNotFound for
// missing, corrupt, or unrecognizable files; the caller treats all three as
// "no persisted state".
func (s *FileStore) Load(id string) (*PersistedState, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	snap, ok := decodePersisted(data)
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Delete removes a session's state file. Idempotent.
func (s *FileStore) Delete(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	err = os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the session IDs with a state file in the store.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}

//// Decoding and migration ///////////////////////////////////////////////////

// rawPersisted is the loose on-disk shape, including the legacy prune arrays
// that predate per-entry token credits.
type rawPersisted struct {
	SessionName string `json:"sessionName,omitempty"`
	Prune       *struct {
		Tools            map[string]int `json:"tools"`
		Messages         map[string]int `json:"messages"`
		LegacyToolIDs    []string       `json:"toolIds"`
		LegacyMessageIDs []string       `json:"messageIds"`
	} `json:"prune"`
	CompressSummaries []json.RawMessage `json:"compressSummaries"`
	Stats             *Stats            `json:"stats"`
	LastUpdated       time.Time         `json:"lastUpdated"`
}

// decodePersisted parses, validates, and migrates one state file. ok=false
// means the file is not usable and should be treated as absent.
func decodePersisted(data []byte) (*PersistedState, bool) {
	var raw rawPersisted
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	// prune and stats are the required fields of the schema.
	if raw.Prune == nil || raw.Stats == nil {
		return nil, false
	}

	snap := &PersistedState{
		SessionName: raw.SessionName,
		Prune:       NewPruneState(),
		Stats:       *raw.Stats,
		LastUpdated: raw.LastUpdated,
	}
	for id, tokens := range raw.Prune.Tools {
		snap.Prune.Tools[id] = tokens
	}
	for id, tokens := range raw.Prune.Messages {
		snap.Prune.Messages[id] = tokens
	}
	// Legacy files carried plain ID arrays with no token credit. Migrate to
	// the mapping shape with value 0; the first save rewrites the new shape.
	for _, id := range raw.Prune.LegacyToolIDs {
		if _, ok := snap.Prune.Tools[id]; !ok {
			snap.Prune.Tools[id] = 0
		}
	}
	for _, id := range raw.Prune.LegacyMessageIDs {
		if _, ok := snap.Prune.Messages[id]; !ok {
			snap.Prune.Messages[id] = 0
		}
	}

	snap.CompressSummaries = decodeSummaries(raw.CompressSummaries)
	return snap, true
}

// decodeSummaries validates each persisted summary entry, drops malformed
// ones, assigns fresh block IDs where missing, de-duplicates by block ID
// (first wins), and orders the result by block ID.
func decodeSummaries(raw []json.RawMessage) []CompressSummary {
	var out []CompressSummary
	seen := make(map[int]bool)
	var missing []int // indexes into out needing a fresh block ID
	for _, entry := range raw {
		var loose struct {
			BlockID         *int    `json:"blockId"`
			AnchorMessageID *string `json:"anchorMessageId"`
			Summary         *string `json:"summary"`
		}
		if err := json.Unmarshal(entry, &loose); err != nil {
			continue
		}
		if loose.AnchorMessageID == nil || loose.Summary == nil {
			continue
		}
		sum := CompressSummary{
			AnchorMessageID: *loose.AnchorMessageID,
			Summary:         *loose.Summary,
		}
		if loose.BlockID == nil {
			out = append(out, sum)
			missing = append(missing, len(out)-1)
			continue
		}
		if seen[*loose.BlockID] {
			continue
		}
		seen[*loose.BlockID] = true
		sum.BlockID = *loose.BlockID
		out = append(out, sum)
	}
	for _, i := range missing {
		id := AllocateBlockID(out)
		out[i].BlockID = id
		seen[id] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

//// Aggregation //////////////////////////////////////////////////////////////

// AggregateResult sums pruning activity across every session file in a
// storage directory.
type AggregateResult struct {
	TotalTokens   int `json:"totalTokens"`
	TotalTools    int `json:"totalTools"`
	TotalMessages int `json:"totalMessages"`
	SessionCount  int `json:"sessionCount"`
}

// AggregateStats enumerates *.json files under dir and sums their stats.
// Malformed files are skipped silently.
func AggregateStats(dir string) (*AggregateResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &AggregateResult{}, nil
		}
		return nil, err
	}
	result := &AggregateResult{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		snap, ok := decodePersisted(data)
		if !ok {
			continue
		}
		result.SessionCount++
		result.TotalTokens += snap.Stats.TotalPruneTokens
		result.TotalTools += len(snap.Prune.Tools)
		result.TotalMessages += len(snap.Prune.Messages)
	}
	return result, nil
}
