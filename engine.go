package dcp

import (
	"context"
	"errors"
	"sync"

	"github.com/pruneworks/dcp/message"
	"github.com/pruneworks/dcp/slogger"
	"github.com/pruneworks/dcp/state"
)

// EngineOptions configures a new Engine. Host is required; everything else
// has a usable default.
type EngineOptions struct {
	Host   Host
	Config *Config
	Logger slogger.Logger
	Sink   StreamSink
}

// Engine is the dynamic context pruning engine. One Engine serves many
// sessions; all operations touching a single session are serialized by that
// session's lock, while distinct sessions progress independently.
type Engine struct {
	host    Host
	cfg     *Config
	log     slogger.Logger
	sink    StreamSink
	store   *state.FileStore
	counter TokenCounter

	mu       sync.Mutex
	sessions map[string]*session
	activeID string
}

// session pairs one SessionState with its lock and the event-router
// bookkeeping that is deliberately not persisted: emission de-duplication
// and the persistence write scheduler.
type session struct {
	mu sync.Mutex
	st *state.SessionState

	emittedCalls     map[string]bool
	emittedResults   map[string]bool
	emittedFiles     map[string]bool
	askedPermissions map[string]bool
	askedQuestions   map[string]bool

	// dirtySeq advances on every durable mutation; savedSeq trails it.
	// A single flusher goroutine coalesces writes until they match.
	dirtySeq uint64
	savedSeq uint64
	flushing bool
}

func newSession(st *state.SessionState) *session {
	return &session{
		st:               st,
		emittedCalls:     make(map[string]bool),
		emittedResults:   make(map[string]bool),
		emittedFiles:     make(map[string]bool),
		askedPermissions: make(map[string]bool),
		askedQuestions:   make(map[string]bool),
	}
}

// NewEngine creates an Engine. The storage directory is resolved once here;
// it is created if absent.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Host == nil {
		return nil, errors.New("dcp: host is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	dir := cfg.StorageDir
	if dir == "" {
		var err error
		dir, err = state.DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	store, err := state.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		if cfg.LogLevel != "" {
			log = slogger.New(slogger.LevelFromString(cfg.LogLevel))
		} else {
			log = slogger.DefaultLogger
		}
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	return &Engine{
		host:     opts.Host,
		cfg:      cfg,
		log:      log,
		sink:     sink,
		store:    store,
		counter:  NewTokenCounter(cfg.BytesPerToken),
		sessions: make(map[string]*session),
	}, nil
}

// Store exposes the engine's file store, for ops tooling.
func (e *Engine) Store() *state.FileStore {
	return e.store
}

// handleFor returns the session entry for an ID, creating and hydrating it
// on first use: sub-agent detection via the host, then persisted state from
// disk. Both failures are demoted to warnings. A new entry is hydrated
// before it is published, so no caller ever operates on partial state; when
// two first contacts race, the loser's hydration is discarded.
func (e *Engine) handleFor(ctx context.Context, sessionID string) *session {
	e.mu.Lock()
	if h, ok := e.sessions[sessionID]; ok {
		e.activeID = sessionID
		e.mu.Unlock()
		return h
	}
	e.mu.Unlock()

	h := newSession(state.NewSessionState(sessionID))
	h.st.ManualMode = e.cfg.ManualMode
	info, err := e.host.Session(ctx, sessionID)
	if err != nil {
		// Treated as "not a sub-agent".
		e.log.Warn("sub-agent detection failed", "session", sessionID, "error", err)
	} else if info != nil {
		h.st.IsSubAgent = info.ParentID != ""
		if info.Title != "" {
			h.st.SessionName = info.Title
		}
		h.st.Variant = info.Model
		h.st.ModelContextLimit = info.ContextLimit
	}
	snap, err := e.store.Load(sessionID)
	switch {
	case err == nil:
		snap.Apply(h.st)
	case errors.Is(err, state.ErrNotFound):
		// Fresh session.
	default:
		e.log.Warn("loading persisted state failed", "session", sessionID, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeID = sessionID
	if existing, ok := e.sessions[sessionID]; ok {
		return existing
	}
	e.sessions[sessionID] = h
	return h
}

// lastUserMessage returns the newest user message, or nil.
func lastUserMessage(msgs []*message.Message) *message.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.User {
			return msgs[i]
		}
	}
	return nil
}

// sessionFor locates the session entry for a message list via its last user
// message. Returns nil when the list carries no user message.
func (e *Engine) sessionFor(ctx context.Context, msgs []*message.Message) *session {
	last := lastUserMessage(msgs)
	if last == nil || last.SessionID == "" {
		return nil
	}
	return e.handleFor(ctx, last.SessionID)
}

// syncSession brings a session's compaction watermark and turn counter up to
// date with the host's message list. Caller holds the session lock.
func (e *Engine) syncSession(h *session, msgs []*message.Message) {
	// Newest compaction marker wins. A marker newer than the watermark
	// resets everything compaction-sensitive.
	compactionIdx := -1
	for i, m := range msgs {
		if m.IsCompaction() {
			compactionIdx = i
		}
	}
	if compactionIdx >= 0 {
		created := msgs[compactionIdx].Time.Created
		if created > h.st.LastCompaction {
			e.log.Info("compaction detected, resetting session state",
				"session", h.st.SessionID, "at", created)
			h.st.ResetForCompaction(created)
			e.schedulePersist(h)
		}
	}

	// One turn per step-start part in non-compacted messages. Tool parts
	// encountered along the way are folded into the parameter cache, so the
	// planner sees them even when the host never streamed their events.
	turns := 0
	for i, m := range msgs {
		if i <= compactionIdx {
			continue
		}
		for _, part := range m.Parts {
			switch p := part.(type) {
			case *message.StepStartPart:
				turns++
			case *message.ToolPart:
				e.ingestToolPart(h.st, p, turns)
			}
		}
	}
	h.st.CurrentTurn = turns

	for _, m := range msgs {
		h.st.MessageRoles[m.ID] = m.Role
	}
}

// ingestToolPart folds one tool part from the message history into the cache,
// attributed to the turn it appeared in.
func (e *Engine) ingestToolPart(st *state.SessionState, p *message.ToolPart, turn int) {
	if p.CallID == "" {
		return
	}
	rec := st.RecordToolAt(p.CallID, p.Tool, p.State.Input, e.counter.Value(p.State.Input), turn)
	switch p.State.Status {
	case message.ToolRunning:
		if rec.Status == message.ToolPending {
			rec.Status = message.ToolRunning
		}
	case message.ToolCompleted:
		st.CompleteTool(p.CallID, e.counter.Text(p.State.Output))
	case message.ToolError:
		st.FailTool(p.CallID, p.State.Error)
	}
}

// schedulePersist marks the session dirty and ensures a flusher goroutine is
// running. Caller holds the session lock. The flusher snapshots under the
// lock and writes without it; writes coalesce while mutations keep arriving.
func (e *Engine) schedulePersist(h *session) {
	h.dirtySeq++
	if h.flushing {
		return
	}
	h.flushing = true
	go e.flush(h)
}

func (e *Engine) flush(h *session) {
	for {
		h.mu.Lock()
		if h.savedSeq == h.dirtySeq {
			h.flushing = false
			h.mu.Unlock()
			return
		}
		seq := h.dirtySeq
		id := h.st.SessionID
		snap := state.Snapshot(h.st)
		h.mu.Unlock()

		if err := e.store.Save(id, snap); err != nil {
			// State stays in memory; the next mutation retries.
			e.log.Warn("persisting session state failed", "session", id, "error", err)
		}

		h.mu.Lock()
		h.savedSeq = seq
		h.mu.Unlock()
	}
}

// RewritePrompt is the pre-prompt hook: it synchronizes session state with
// the host's message list, runs the prune planner, and returns the rewritten
// outbound message list. Host messages are never mutated. With no
// intervening events, calling it twice yields identical output.
func (e *Engine) RewritePrompt(ctx context.Context, msgs []*message.Message) ([]*message.Message, error) {
	h := e.sessionFor(ctx, msgs)
	if h == nil {
		return copyMessages(msgs), nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e.syncSession(h, msgs)
	e.planPrune(h, msgs)
	return e.rewriteMessages(h, msgs), nil
}

func copyMessages(msgs []*message.Message) []*message.Message {
	out := make([]*message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Copy()
	}
	return out
}

// Run consumes the host's event stream until the context is canceled or the
// stream closes. On cancellation it aborts the active session on the host
// before returning. Pending planner work for that session is discarded.
func (e *Engine) Run(ctx context.Context) error {
	events, err := e.host.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			active := e.activeID
			e.mu.Unlock()
			if active != "" {
				// Best-effort abort with a background context; ours is done.
				if err := e.host.Abort(context.Background(), active); err != nil {
					e.log.Warn("session abort failed", "session", active, "error", err)
				}
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.OnEvent(ctx, ev); err != nil {
				// Transient failures skip the event and keep running.
				e.log.Warn("event handling failed", "event", ev.EventName(), "error", err)
			}
		}
	}
}
