package reploop

import (
	"context"
	"sync"
)

// transcriptEntry is one round of the REPL loop: the model's response, and
// the sandbox output it produced (if any code was executed).
type transcriptEntry struct {
	AssistantResponse string
	ExecutionOutput   string
	HasOutput         bool
}

// callScope is the cancellation scope owned by one CallContext. Closing it
// interrupts every task forked within it; the scheduler closes the call's
// sandbox alongside it on every path that closes the scope.
// Close is idempotent — safe to call from Finalize, FailCall, or the
// runtime's cleanup sweep on shutdown.
type callScope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newCallScope(parent context.Context) *callScope {
	ctx, cancel := context.WithCancelCause(parent)
	return &callScope{ctx: ctx, cancel: cancel}
}

// fork runs fn in a goroutine tracked by the scope's WaitGroup, so Close can
// wait for forked work to observe cancellation before returning.
func (s *callScope) fork(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// close cancels the scope's context and waits for forked tasks to exit.
// Safe to call more than once; only the first call has effect.
func (s *callScope) close(cause error) {
	s.once.Do(func() {
		s.cancel(cause)
		s.wg.Wait()
	})
}

// CallContext holds the mutable state of one call — root or recursive
// sub-call. Owned exclusively by the scheduler goroutine; background tasks
// forked into its callScope never mutate it directly, they only enqueue
// commands or fulfill bridge futures.
type CallContext struct {
	CallID  string
	Depth   int
	Query   string
	Context string

	Iteration  int
	Transcript []transcriptEntry

	sandbox SandboxHandle
	scope   *callScope

	ParentBridgeRequestID string // "" for the root call
	Tools                 *ToolRegistry
	OutputJSONSchema      []byte // nil => plain mode

	CodeExecutedAtLeastOnce bool
	ConsecutiveStalls       int
}

func (c *CallContext) structuredMode() bool {
	return len(c.OutputJSONSchema) > 0
}

// SandboxHandle is the scheduler-facing view of a running sandbox instance,
// satisfied by *sandbox.Host. Defined here (rather than importing package
// sandbox) to keep the scheduler core free of a hard dependency on the
// concrete process-supervision implementation.
type SandboxHandle interface {
	Execute(ctx context.Context, code string) (string, error)
	SetVar(ctx context.Context, name string, value any) error
	GetVar(ctx context.Context, name string) (any, bool, error)
	ListVars(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}
