package dcp

import "github.com/pruneworks/dcp/state"

// StatsAllSessions aggregates pruning activity across every persisted
// session in the engine's storage directory. Malformed files are skipped.
func (e *Engine) StatsAllSessions() (*state.AggregateResult, error) {
	return state.AggregateStats(e.store.Dir())
}
