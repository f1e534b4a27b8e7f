package reploop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// CallOptions configures a single top-level completion.
type CallOptions struct {
	Query        string
	Context      string
	Tools        []Tool
	OutputSchema json.RawMessage // nil => plain (string) answer mode
}

// Answer is the terminal result of a plain-mode completion.
type Answer struct {
	Text string
}

// StructuredAnswer is the terminal result of a structured-output completion.
type StructuredAnswer struct {
	Value json.RawMessage
}

// CompletionRuntime holds the configuration, model, and sandbox factory used
// to run completions. A fresh Scheduler is created per call to
// Complete/Stream; no scheduler state is shared across completions (no persistent storage, no cross-completion
// state — §1 Non-goals).
type CompletionRuntime struct {
	cfg        Config
	model      LanguageModel
	tracer     Tracer
	logger     *slog.Logger
	newSandbox sandboxFactory
}

// NewRuntime builds a CompletionRuntime. newSandbox is typically
// sandbox.NewHostFactory(cfg, logger) from package sandbox; tests may supply
// a scripted fake.
func NewRuntime(cfg Config, model LanguageModel, tracer Tracer, logger *slog.Logger, newSandbox func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error)) *CompletionRuntime {
	if tracer == nil {
		tracer = noopTracer{}
	}
	return &CompletionRuntime{
		cfg:        cfg.Normalize(),
		model:      model,
		tracer:     tracer,
		logger:     logger,
		newSandbox: newSandbox,
	}
}

// Complete drives one completion to a terminal answer or error.
func (rt *CompletionRuntime) Complete(ctx context.Context, opts CallOptions) (any, error) {
	completionID := newID()
	ctx, span := rt.tracer.Start(ctx, "reploop.Complete", StringAttr("completionId", completionID))
	defer span.End()

	sched := NewScheduler(rt.cfg, completionID, rt.model, rt.tracer, rt.logger, rt.newSandbox)
	out := sched.Run(ctx, opts)
	if out.err != nil {
		span.Error(out.err)
		return nil, out.err
	}
	if out.structured {
		return StructuredAnswer{Value: out.value}, nil
	}
	return Answer{Text: out.answer}, nil
}

// Stream drives one completion and returns a channel of coarse Events
// (no token-level streaming — §1 Non-goals), closed once the completion
// ends. The returned function cancels the completion early.
func (rt *CompletionRuntime) Stream(ctx context.Context, opts CallOptions) (<-chan Event, func(), error) {
	completionID := newID()
	runCtx, cancel := context.WithCancel(ctx)

	sched := NewScheduler(rt.cfg, completionID, rt.model, rt.tracer, rt.logger, rt.newSandbox)
	events, unsubscribe := sched.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(runCtx, opts)
	}()

	stop := func() {
		cancel()
		unsubscribe()
		<-done
	}
	return events, stop, nil
}

// errCompletionCancelled describes a completion cancelled before a terminal
// result is produced. Complete does not return it: on cancellation it
// returns the context's own error (context.Canceled or
// context.DeadlineExceeded).
var errCompletionCancelled = fmt.Errorf("reploop: completion cancelled")
