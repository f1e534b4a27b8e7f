package reploop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	bridgeMethodLLMQuery        = "llm_query"
	bridgeMethodLLMQueryBatched = "llm_query_batched"
)

// Handle implements BridgeHandler for external callers — the sandbox Host
// invokes this when sandboxed code raises a BridgeCall frame. It registers
// a future, hands the work to the dispatch loop as a HandleBridgeCall
// command, and blocks until that goroutine resolves or fails it.
func (s *Scheduler) Handle(ctx context.Context, callerCallID, method string, args json.RawMessage) (any, error) {
	requestID := newID()
	future := s.bridges.create(requestID)
	if !s.queue.enqueueOrWarn(HandleBridgeCall{CallID: callerCallID, BridgeRequestID: requestID, Method: method, Args: args}) {
		s.bridges.fail(requestID, errQueueClosed)
	}
	result, err := future.await(ctx)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type llmQueryArgs struct {
	Query      string  `json:"query"`
	Context    string  `json:"context"`
	NamedModel *string `json:"namedModel"`
}

type llmQueryBatchedArgs struct {
	Queries  []string `json:"queries"`
	Contexts []string `json:"contexts"`
}

// handleBridgeCall dispatches a bridge call raised by sandboxed code:
// a recursive llm_query[_batched], or a registered user tool.
func (s *Scheduler) handleBridgeCall(ctx context.Context, cmd HandleBridgeCall) {
	cc := s.lookup(cmd.CallID)
	if cc == nil {
		s.bridges.fail(cmd.BridgeRequestID, &ErrCallStateMissing{CallID: cmd.CallID})
		return
	}
	s.publish(BridgeCallReceived{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cc.CallID, Depth: cc.Depth},
		Method:      cmd.Method,
	})

	switch cmd.Method {
	case bridgeMethodLLMQuery:
		s.handleLLMQuery(ctx, cc, cmd)
	case bridgeMethodLLMQueryBatched:
		s.handleLLMQueryBatched(ctx, cc, cmd)
	default:
		s.handleToolBridgeCall(ctx, cc, cmd)
	}
}

func (s *Scheduler) handleLLMQuery(ctx context.Context, cc *CallContext, cmd HandleBridgeCall) {
	var args llmQueryArgs
	if err := json.Unmarshal(cmd.Args, &args); err != nil || args.Query == "" {
		s.bridges.fail(cmd.BridgeRequestID, fmt.Errorf("llm_query: invalid arguments"))
		return
	}

	if cc.Depth+1 >= s.cfg.MaxDepth || args.NamedModel != nil {
		cc.scope.fork(func(scopeCtx context.Context) {
			s.oneShotSubCall(scopeCtx, cc, cmd.BridgeRequestID, args.Query, args.Context)
		})
		return
	}

	childID := newID()
	// The future for cmd.BridgeRequestID already exists — Scheduler.Handle
	// registered it before this command was dispatched. The child call's
	// Finalize resolves it via ParentBridgeRequestID once SUBMIT runs.
	start := StartCall{
		CallID:                childID,
		Depth:                 cc.Depth + 1,
		Query:                 args.Query,
		Context:               args.Context,
		ParentBridgeRequestID: cmd.BridgeRequestID,
	}
	if !s.queue.enqueueOrWarn(start) {
		s.bridges.fail(cmd.BridgeRequestID, errQueueClosed)
	}
}

// oneShotSubCall runs a single plain-text model call (no toolkit, no forced
// tool choice) and resolves the bridge with the response text, without
// spawning a nested completion state machine — used once recursion depth
// is exhausted or a caller requested a specific named model.
func (s *Scheduler) oneShotSubCall(ctx context.Context, cc *CallContext, requestID, query, queryContext string) {
	if _, ok := s.budget.takeLLMCall(); !ok {
		s.bridges.fail(requestID, &ErrBudgetExhausted{Resource: ResourceLLMCalls, CallID: cc.CallID})
		return
	}
	prompt := "Query: " + query + "\n\nContext:\n" + queryContext
	resp, err := s.model.GenerateText(ctx, GenerateRequest{Prompt: prompt, Depth: cc.Depth + 1, IsSubCall: true})
	if err != nil {
		s.bridges.fail(requestID, err)
		return
	}
	if resp.Usage != nil {
		s.budget.recordTokens(resp.Usage.TotalTokens)
	}
	result, err := json.Marshal(resp.Text)
	if err != nil {
		s.bridges.fail(requestID, err)
		return
	}
	s.bridges.resolve(requestID, result)
}

func (s *Scheduler) handleLLMQueryBatched(ctx context.Context, cc *CallContext, cmd HandleBridgeCall) {
	if !s.cfg.EnableLLMQueryBatched {
		s.bridges.fail(cmd.BridgeRequestID, fmt.Errorf("llm_query_batched is disabled"))
		return
	}
	var args llmQueryBatchedArgs
	if err := json.Unmarshal(cmd.Args, &args); err != nil || len(args.Queries) == 0 {
		s.bridges.fail(cmd.BridgeRequestID, fmt.Errorf("llm_query_batched: invalid arguments"))
		return
	}
	if len(args.Queries) > s.cfg.MaxBatchQueries {
		s.bridges.fail(cmd.BridgeRequestID, fmt.Errorf("llm_query_batched: %d queries exceeds max of %d", len(args.Queries), s.cfg.MaxBatchQueries))
		return
	}

	cc.scope.fork(func(scopeCtx context.Context) {
		results := make([]string, len(args.Queries))
		g, gctx := errgroup.WithContext(scopeCtx)
		g.SetLimit(s.cfg.Concurrency)
		for i, q := range args.Queries {
			i, q := i, q
			c := ""
			if i < len(args.Contexts) {
				c = args.Contexts[i]
			}
			g.Go(func() error {
				if _, ok := s.budget.takeLLMCall(); !ok {
					return &ErrBudgetExhausted{Resource: ResourceLLMCalls, CallID: cc.CallID}
				}
				prompt := "Query: " + q + "\n\nContext:\n" + c
				resp, err := s.model.GenerateText(gctx, GenerateRequest{Prompt: prompt, Depth: cc.Depth + 1, IsSubCall: true})
				if err != nil {
					return err
				}
				if resp.Usage != nil {
					s.budget.recordTokens(resp.Usage.TotalTokens)
				}
				results[i] = resp.Text
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.bridges.fail(cmd.BridgeRequestID, err)
			return
		}
		encoded, err := json.Marshal(results)
		if err != nil {
			s.bridges.fail(cmd.BridgeRequestID, err)
			return
		}
		s.bridges.resolve(cmd.BridgeRequestID, encoded)
	})
}

func (s *Scheduler) handleToolBridgeCall(ctx context.Context, cc *CallContext, cmd HandleBridgeCall) {
	tool, ok := cc.Tools.Lookup(cmd.Method)
	if !ok {
		s.bridges.fail(cmd.BridgeRequestID, fmt.Errorf("unknown bridge method: %s", cmd.Method))
		return
	}
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.BridgeTimeoutMs) * time.Millisecond
	}

	cc.scope.fork(func(scopeCtx context.Context) {
		var (
			result any
			err    error
		)
		for attempt := 0; attempt <= s.cfg.BridgeToolRetryCount; attempt++ {
			callCtx, cancel := context.WithTimeout(scopeCtx, timeout)
			result, err = tool.Handle(callCtx, cmd.Args)
			cancel()
			if err == nil {
				break
			}
			if attempt < s.cfg.BridgeToolRetryCount {
				delay := time.Duration(s.cfg.BridgeRetryBaseDelayMs) * time.Millisecond * time.Duration(attempt+1)
				select {
				case <-time.After(delay):
				case <-scopeCtx.Done():
					err = scopeCtx.Err()
					break
				}
			}
		}
		if err != nil {
			s.bridges.fail(cmd.BridgeRequestID, err)
			return
		}
		encoded, encErr := json.Marshal(result)
		if encErr != nil {
			s.bridges.fail(cmd.BridgeRequestID, encErr)
			return
		}
		s.bridges.resolve(cmd.BridgeRequestID, encoded)
	})
}

// --- Finalize / FailCall ---

func (s *Scheduler) handleFinalize(ctx context.Context, cmd Finalize) {
	cc := s.lookup(cmd.CallID)
	if cc == nil {
		s.warn(cmd.CallID, 0, WarnStaleCommandDropped, "Finalize for unknown call", "Finalize")
		return
	}

	payload := cmd.Payload
	if payload.Source == SubmitSourceVariable {
		val, ok, err := cc.sandbox.GetVar(cc.scope.ctx, payload.Answer)
		if err != nil || !ok {
			s.finishCallWithError(cc, &ErrOutputValidation{Message: fmt.Sprintf("SUBMIT variable %q not found in sandbox", payload.Answer)})
			return
		}
		encoded, err := json.Marshal(val)
		if err != nil {
			s.finishCallWithError(cc, &ErrOutputValidation{Message: "SUBMIT variable is not JSON-encodable"})
			return
		}
		if cc.structuredMode() {
			payload = SubmitPayload{Source: SubmitSourceValue, Value: encoded}
		} else {
			var s2 string
			if err := json.Unmarshal(encoded, &s2); err != nil {
				s2 = string(encoded)
			}
			payload = SubmitPayload{Source: SubmitSourceAnswer, Answer: s2}
		}
	}

	var answerText string
	switch payload.Source {
	case SubmitSourceAnswer:
		answerText = payload.Answer
	case SubmitSourceValue:
		answerText = string(payload.Value)
	}

	s.publish(CallFinalized{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cc.CallID, Depth: cc.Depth},
		Answer:      answerText,
	})

	s.remove(cc.CallID)
	cc.scope.close(nil)
	_ = cc.sandbox.Close(context.Background())

	if cc.ParentBridgeRequestID != "" {
		if payload.Source == SubmitSourceValue {
			s.bridges.resolve(cc.ParentBridgeRequestID, payload.Value)
		} else {
			encoded, _ := json.Marshal(payload.Answer)
			s.bridges.resolve(cc.ParentBridgeRequestID, encoded)
		}
		return
	}

	s.finishRoot(rootOutcome{
		answer:     payload.Answer,
		value:      payload.Value,
		structured: cc.structuredMode(),
	})
}

func (s *Scheduler) handleFailCall(ctx context.Context, cmd FailCall) {
	cc := s.lookup(cmd.CallID)
	if cc == nil {
		s.warn(cmd.CallID, 0, WarnStaleCommandDropped, "FailCall for unknown call", "FailCall")
		return
	}
	s.finishCallWithError(cc, cmd.Err)
}

// finishCallWithError is the shared propagation path for a call failure
// discovered synchronously within a handler (budget exhaustion, sandbox
// error, model error) — it performs the same work as dispatching a FailCall
// command, without the extra queue round-trip, since the caller already
// runs on the single dispatch goroutine.
func (s *Scheduler) finishCallWithError(cc *CallContext, err error) {
	s.publish(CallFailed{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cc.CallID, Depth: cc.Depth},
		Err:         err,
	})
	s.remove(cc.CallID)
	cc.scope.close(err)
	_ = cc.sandbox.Close(context.Background())

	if cc.ParentBridgeRequestID != "" {
		s.bridges.fail(cc.ParentBridgeRequestID, err)
		return
	}
	s.finishRoot(rootOutcome{err: err})
}
