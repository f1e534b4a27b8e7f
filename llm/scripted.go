// Package llm provides LanguageModel implementations: a scripted fake for
// deterministic tests, grounded in the same queued-response double pattern
// the teacher's own provider tests use for mockLLM, and a minimal
// HTTP-backed provider for end-to-end wiring.
package llm

import (
	"context"
	"fmt"
	"sync"

	reploop "github.com/arcloop/reploop"
)

// Scripted is a LanguageModel that replays a fixed queue of responses,
// regardless of prompt content. Tests enqueue exactly the turns a scenario
// needs and assert the scheduler drives them in order.
type Scripted struct {
	mu        sync.Mutex
	responses []reploop.GenerateResponse
	errs      []error
	calls     []reploop.GenerateRequest
}

// NewScripted builds a Scripted model with no queued turns; call Enqueue
// before running a completion against it.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Enqueue appends one turn's response to the playback queue.
func (s *Scripted) Enqueue(resp reploop.GenerateResponse) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	s.errs = append(s.errs, nil)
	return s
}

// EnqueueError appends a turn that fails with err instead of returning.
func (s *Scripted) EnqueueError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, reploop.GenerateResponse{})
	s.errs = append(s.errs, err)
	return s
}

// Calls returns every request this model has received so far, in order.
func (s *Scripted) Calls() []reploop.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reploop.GenerateRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// GenerateText implements reploop.LanguageModel.
func (s *Scripted) GenerateText(ctx context.Context, req reploop.GenerateRequest) (reploop.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.responses) == 0 {
		return reploop.GenerateResponse{}, fmt.Errorf("llm: scripted model exhausted its response queue")
	}
	resp := s.responses[0]
	err := s.errs[0]
	s.responses = s.responses[1:]
	s.errs = s.errs[1:]
	return resp, err
}

// compile-time check
var _ reploop.LanguageModel = (*Scripted)(nil)
