package reploop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// bridgeFuture is a single-shot promise resolved exactly once by
// HandleBridgeCall (success) or a scope/shutdown failure path. Bridge
// futures are the one-way edge from BridgeHandler back to sandboxed code:
// the scheduler never holds a reference back from a future to its caller,
// which is how the design avoids a cyclic ownership between scheduler and
// sandbox.
type bridgeFuture struct {
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func newBridgeFuture() *bridgeFuture {
	return &bridgeFuture{done: make(chan struct{})}
}

func (f *bridgeFuture) resolve(result json.RawMessage) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

func (f *bridgeFuture) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// await blocks until the future is resolved or ctx is cancelled.
func (f *bridgeFuture) await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bridgeStore holds outstanding bridge futures keyed by BridgeRequestID, for
// a single completion. Guarded by a mutex since futures are created by the
// scheduler goroutine and resolved by sandbox-dispatch or tool-handler
// goroutines running concurrently.
type bridgeStore struct {
	mu      sync.Mutex
	pending map[string]*bridgeFuture
}

func newBridgeStore() *bridgeStore {
	return &bridgeStore{pending: make(map[string]*bridgeFuture)}
}

// create registers a new future for requestID. Panics on a duplicate ID,
// since that can only happen from a generator bug (invariant 1 violated).
func (s *bridgeStore) create(requestID string) *bridgeFuture {
	f := newBridgeFuture()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[requestID]; exists {
		panic(fmt.Sprintf("reploop: duplicate bridge request id %q", requestID))
	}
	s.pending[requestID] = f
	return f
}

// resolve fulfills and removes the future for requestID, if still pending.
func (s *bridgeStore) resolve(requestID string, result json.RawMessage) {
	s.mu.Lock()
	f, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if ok {
		f.resolve(result)
	}
}

// fail fails and removes the future for requestID, if still pending.
func (s *bridgeStore) fail(requestID string, err error) {
	s.mu.Lock()
	f, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if ok {
		f.fail(err)
	}
}

// failAll fails every still-pending future — invoked on root Finalize as a
// safety net and on FailCall/shutdown so nothing leaks (invariant 1).
func (s *bridgeStore) failAll(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*bridgeFuture)
	s.mu.Unlock()
	for _, f := range pending {
		f.fail(err)
	}
}

// BridgeHandler dispatches a bridge call raised from sandboxed code — a
// recursive llm_query[_batched], or a user tool invocation by name — and
// returns its JSON-encodable result. Implemented internally by the
// scheduler; named here as the external interface of §6.
type BridgeHandler interface {
	Handle(ctx context.Context, callerCallID, method string, args json.RawMessage) (any, error)
}
