package reploop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sandboxFactory creates a fresh sandbox instance for one call, wired to
// the bridge handler bridge calls raised from within it should reach.
// Implemented by package sandbox's Host in production; a scripted fake in
// tests.
type sandboxFactory func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error)

// Scheduler is the single-consumer command dispatcher that owns one
// completion's CallContext set, budget, bridge futures, and event stream.
// Apart from the cancellation sweep in cleanupOnCancel, only the goroutine
// running the dispatch loop mutates calls; every other goroutine
// communicates back exclusively through the command queue or bridge future
// resolution.
type Scheduler struct {
	cfg          Config
	completionID string
	model        LanguageModel
	tracer       Tracer
	logger       *slog.Logger
	newSandbox   sandboxFactory

	queue  *commandQueue
	events *eventBus
	budget *budget
	llmSem *semaphore.Weighted

	mu    sync.Mutex
	calls map[string]*CallContext

	bridges *bridgeStore

	rootOnce   sync.Once
	rootResult chan rootOutcome
}

// rootOutcome is the terminal result of the top-level call.
type rootOutcome struct {
	answer     string
	value      json.RawMessage
	structured bool
	err        error
}

// NewScheduler builds a Scheduler ready to drive one completion.
func NewScheduler(cfg Config, completionID string, model LanguageModel, tracer Tracer, logger *slog.Logger, newSandbox sandboxFactory) *Scheduler {
	cfg = cfg.Normalize()
	if tracer == nil {
		tracer = noopTracer{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Scheduler{
		cfg:          cfg,
		completionID: completionID,
		model:        model,
		tracer:       tracer,
		logger:       logger,
		newSandbox:   newSandbox,
		queue:        newCommandQueue(cfg.CommandQueueCapacity),
		events:       newEventBus(),
		budget:       newBudget(cfg),
		llmSem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		calls:        make(map[string]*CallContext),
		bridges:      newBridgeStore(),
		rootResult:   make(chan rootOutcome, 1),
	}
}

// Subscribe returns a channel of this completion's events and an unsubscribe
// function, backing the Stream API.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe(s.cfg.EventBufferCapacity)
}

// Run starts the root call and drives the dispatch loop to completion. It
// blocks until the root call finalizes, fails, or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, opts CallOptions) rootOutcome {
	root := StartCall{
		CallID:                newID(),
		Depth:                 0,
		Query:                 opts.Query,
		Context:               opts.Context,
		ParentBridgeRequestID: "",
		Tools:                 opts.Tools,
		OutputJSONSchema:      opts.OutputSchema,
	}
	if err := s.queue.enqueue(root); err != nil {
		return rootOutcome{err: err}
	}

	go s.dispatchLoop(ctx)

	select {
	case out := <-s.rootResult:
		return out
	case <-ctx.Done():
		s.cleanupOnCancel(ctx.Err())
		return rootOutcome{err: ctx.Err()}
	}
}

// dispatchLoop is the single consumer of the command queue. Every Command
// tag is handled exhaustively by the type switch below.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		cmd, ok := s.queue.recv()
		if !ok {
			return
		}
		s.dispatch(ctx, cmd)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case StartCall:
		s.handleStartCall(ctx, c)
	case GenerateStep:
		s.handleGenerateStep(ctx, c)
	case ExecuteCode:
		s.handleExecuteCode(ctx, c)
	case CodeExecuted:
		s.handleCodeExecuted(ctx, c)
	case HandleBridgeCall:
		s.handleBridgeCall(ctx, c)
	case Finalize:
		s.handleFinalize(ctx, c)
	case FailCall:
		s.handleFailCall(ctx, c)
	default:
		s.logger.Error("reploop: unrecognized command tag", "tag", cmd.commandTag())
	}
}

func (s *Scheduler) lookup(callID string) *CallContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID]
}

func (s *Scheduler) store(cc *CallContext) {
	s.mu.Lock()
	s.calls[cc.CallID] = cc
	s.mu.Unlock()
}

func (s *Scheduler) remove(callID string) {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
}

func (s *Scheduler) publish(e Event) {
	s.events.publish(e)
}

func (s *Scheduler) warn(callID string, depth int, code SchedulerWarningCode, msg, commandTag string) {
	s.events.publish(SchedulerWarning{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: callID, Depth: depth},
		Code:        code,
		Message:     msg,
		CommandTag:  commandTag,
	})
	s.logger.Warn("reploop: scheduler warning", "code", code, "callId", callID, "message", msg)
}

// --- StartCall ---

func (s *Scheduler) handleStartCall(ctx context.Context, cmd StartCall) {
	scope := newCallScope(ctx)

	sb, err := s.newSandbox(scope.ctx, cmd.CallID, cmd.Depth, s)
	if err != nil {
		scope.close(err)
		s.finishStartFailure(cmd, &ErrSandbox{Message: "failed to start sandbox", Cause: err})
		return
	}

	toolReg, err := NewToolRegistry(cmd.Tools)
	if err != nil {
		scope.close(err)
		_ = sb.Close(context.Background())
		s.finishStartFailure(cmd, err)
		return
	}

	cc := &CallContext{
		CallID:                cmd.CallID,
		Depth:                 cmd.Depth,
		Query:                 cmd.Query,
		Context:               cmd.Context,
		sandbox:               sb,
		scope:                 scope,
		ParentBridgeRequestID: cmd.ParentBridgeRequestID,
		Tools:                 toolReg,
		OutputJSONSchema:      cmd.OutputJSONSchema,
	}
	s.store(cc)

	if err := sb.SetVar(scope.ctx, "query", cmd.Query); err != nil {
		s.warn(cmd.CallID, cmd.Depth, WarnVariableSyncFailed, err.Error(), "StartCall")
	}
	if err := sb.SetVar(scope.ctx, "context", cmd.Context); err != nil {
		s.warn(cmd.CallID, cmd.Depth, WarnVariableSyncFailed, err.Error(), "StartCall")
	}

	s.publish(CallStarted{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cmd.CallID, Depth: cmd.Depth},
		Query:       cmd.Query,
	})

	if !s.queue.enqueueOrWarn(GenerateStep{CallID: cmd.CallID}) {
		s.warn(cmd.CallID, cmd.Depth, WarnQueueClosed, "failed to enqueue initial GenerateStep", "StartCall")
	}
}

// finishStartFailure propagates a failure that occurred before a
// CallContext could be created (e.g. sandbox spawn failure).
func (s *Scheduler) finishStartFailure(cmd StartCall, err error) {
	s.publish(CallFailed{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cmd.CallID, Depth: cmd.Depth},
		Err:         err,
	})
	if cmd.ParentBridgeRequestID != "" {
		s.bridges.fail(cmd.ParentBridgeRequestID, err)
		return
	}
	s.finishRoot(rootOutcome{err: err})
}

func (s *Scheduler) finishRoot(out rootOutcome) {
	s.rootOnce.Do(func() {
		s.bridges.failAll(fmt.Errorf("reploop: completion ended"))
		s.rootResult <- out
		s.events.closeAll()
		s.queue.close()
	})
}

// cleanupOnCancel is invoked when the caller's context is cancelled while
// the scheduler is still running; it closes every remaining call scope so
// forked tasks observe cancellation (publishing CallScopeCleanup warnings)
// and fails any leaked bridge futures.
func (s *Scheduler) cleanupOnCancel(cause error) {
	s.mu.Lock()
	leaked := make([]*CallContext, 0, len(s.calls))
	for _, cc := range s.calls {
		leaked = append(leaked, cc)
	}
	s.calls = make(map[string]*CallContext)
	s.mu.Unlock()

	for _, cc := range leaked {
		cc.scope.close(cause)
		_ = cc.sandbox.Close(context.Background())
		s.warn(cc.CallID, cc.Depth, WarnCallScopeCleanup, cause.Error(), "")
	}
	s.bridges.failAll(cause)
	s.queue.close()
}

// --- fenced code extraction ---

var fencedCodeRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")

// extractFencedCode returns the first fenced code block in text, if any.
func extractFencedCode(text string) (string, bool) {
	m := fencedCodeRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimRight(m[1], "\n"), true
}

// truncateWithMarker truncates s to at most n runes, appending a visible
// marker when truncation occurred.
func truncateWithMarker(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n[Output truncated]"
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
