// Package dcp implements dynamic context pruning for LLM conversation
// streams. The engine sits between a host chat runtime and its session
// store: before each user turn it rewrites the outbound message list,
// dropping stale tool outputs and splicing in compressed summaries of
// earlier conversation ranges, while injecting stable reference IDs so the
// model can still name pruned content.
//
// The engine is driven by three kinds of events: the pre-prompt rewrite
// (RewritePrompt), host conversation events (OnEvent), and the compress and
// prune meta-tools the model may invoke itself (RunCompress, RunPrune). All
// per-session state is persisted as one JSON file per session and survives
// process restarts.
//
// Basic wiring:
//
//	engine, err := dcp.NewEngine(dcp.EngineOptions{
//	    Host:   host,
//	    Config: dcp.DefaultConfig(),
//	    Logger: slogger.New(slogger.LevelInfo),
//	    Sink:   sink,
//	})
//	if err != nil { ... }
//
//	// Pre-prompt hook:
//	outbound, err := engine.RewritePrompt(ctx, messages)
//
//	// Event loop:
//	go engine.Run(ctx)
package dcp
