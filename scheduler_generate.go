package reploop

import (
	"context"
	"errors"
	"fmt"
)

const offerSubmitTrivialContextChars = 200
const offerSubmitMinIterationAfterCode = 3

// handleGenerateStep is the core REPL iteration: build a prompt, invoke the
// model, and decide whether the response finalizes the call, runs code, or
// continues the loop.
func (s *Scheduler) handleGenerateStep(ctx context.Context, cmd GenerateStep) {
	cc := s.lookup(cmd.CallID)
	if cc == nil {
		s.warn(cmd.CallID, 0, WarnStaleCommandDropped, "GenerateStep for unknown call", "GenerateStep")
		return
	}

	if cc.Iteration >= s.cfg.MaxIterations {
		s.triggerExtractFallback(ctx, cc)
		return
	}
	if s.budget.elapsedExceeded() {
		s.finishCallWithError(cc, &ErrBudgetExhausted{Resource: ResourceTime, CallID: cc.CallID})
		return
	}
	if s.budget.tokensExhausted() {
		s.triggerExtractFallback(ctx, cc)
		return
	}
	if _, ok := s.budget.takeIteration(); !ok {
		s.triggerExtractFallback(ctx, cc)
		return
	}
	llmRemaining, ok := s.budget.takeLLMCall()
	if !ok {
		s.finishCallWithError(cc, &ErrBudgetExhausted{Resource: ResourceLLMCalls, CallID: cc.CallID, Remaining: llmRemaining})
		return
	}

	s.publish(IterationStarted{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cc.CallID, Depth: cc.Depth},
		Iteration:   cc.Iteration,
		Budget:      s.budget.snapshot(),
	})

	offerSubmit := len(cc.Context) < offerSubmitTrivialContextChars ||
		(cc.CodeExecutedAtLeastOnce && cc.Iteration >= offerSubmitMinIterationAfterCode)

	prompt := buildStepPrompt(cc)
	var toolkit []ToolDefinition
	if offerSubmit {
		toolkit = []ToolDefinition{submitToolDefinition(cc)}
	}

	req := GenerateRequest{
		Prompt:    prompt,
		Depth:     cc.Depth,
		IsSubCall: cc.ParentBridgeRequestID != "",
		Toolkit:   toolkit,
	}
	resp, err := s.generate(ctx, cc, req)
	if err != nil {
		if toolkit != nil {
			s.warn(cc.CallID, cc.Depth, WarnToolkitDegraded, err.Error(), "GenerateStep")
			if _, ok := s.budget.takeLLMCall(); ok {
				retryReq := req
				retryReq.Toolkit = nil
				retryReq.DisableToolCallResolution = true
				resp, err = s.generate(ctx, cc, retryReq)
			}
		}
		if err != nil {
			s.finishCallWithError(cc, &ErrUnknown{Message: "language model call failed", Cause: err})
			return
		}
	}

	if resp.Usage != nil {
		s.budget.recordTokens(resp.Usage.TotalTokens)
	}
	s.publish(ModelResponse{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cc.CallID, Depth: cc.Depth},
		Text:        resp.Text,
		Usage:       resp.Usage,
	})

	s.continueFromResponse(ctx, cc, resp)
}

// generate acquires the LLM concurrency permit and invokes the model.
func (s *Scheduler) generate(ctx context.Context, cc *CallContext, req GenerateRequest) (GenerateResponse, error) {
	if err := s.llmSem.Acquire(cc.scope.ctx, 1); err != nil {
		return GenerateResponse{}, err
	}
	defer s.llmSem.Release(1)
	return s.model.GenerateText(ctx, req)
}

// continueFromResponse implements the SUBMIT-extraction branch of §4.5.
func (s *Scheduler) continueFromResponse(ctx context.Context, cc *CallContext, resp GenerateResponse) {
	result := extractSubmit(resp)
	switch result.Kind {
	case SubmitFound:
		if _, hasCode := extractFencedCode(resp.Text); hasCode {
			s.warn(cc.CallID, cc.Depth, WarnMixedSubmitAndCode, "response carried both SUBMIT and a code block; code discarded", "GenerateStep")
		}
		if !s.queue.enqueueOrWarn(Finalize{CallID: cc.CallID, Payload: result.Payload}) {
			s.warn(cc.CallID, cc.Depth, WarnQueueClosed, "failed to enqueue Finalize", "GenerateStep")
		}
		return

	case SubmitInvalid:
		s.warn(cc.CallID, cc.Depth, WarnSubmitInvalid, result.Message, "GenerateStep")
		appendTranscript(cc, resp.Text, fmt.Sprintf("Error: invalid SUBMIT call: %s", result.Message))
		cc.Iteration++
		s.requeueGenerateStep(cc)
		return

	case SubmitMissing:
		if code, hasCode := extractFencedCode(resp.Text); hasCode {
			appendAssistantOnly(cc, resp.Text)
			cc.Iteration++
			if !s.queue.enqueueOrWarn(ExecuteCode{CallID: cc.CallID, Code: code}) {
				s.warn(cc.CallID, cc.Depth, WarnQueueClosed, "failed to enqueue ExecuteCode", "GenerateStep")
			}
			return
		}
		s.handleStall(ctx, cc, resp.Text)
	}
}

func (s *Scheduler) handleStall(ctx context.Context, cc *CallContext, text string) {
	if len([]rune(text)) <= s.cfg.StallResponseMaxChars {
		cc.ConsecutiveStalls++
		if cc.ConsecutiveStalls >= s.cfg.StallConsecutiveLimit {
			s.warn(cc.CallID, cc.Depth, WarnStallDetectedEarlyExtract, "consecutive near-empty responses", "GenerateStep")
			s.triggerExtractFallback(ctx, cc)
			return
		}
	} else {
		cc.ConsecutiveStalls = 0
	}
	appendAssistantOnly(cc, text)
	cc.Iteration++
	s.requeueGenerateStep(cc)
}

func (s *Scheduler) requeueGenerateStep(cc *CallContext) {
	if !s.queue.enqueueOrWarn(GenerateStep{CallID: cc.CallID}) {
		s.warn(cc.CallID, cc.Depth, WarnQueueClosed, "failed to enqueue GenerateStep", "GenerateStep")
	}
}

// triggerExtractFallback forces a SUBMIT-only tool choice once the
// iteration budget is exhausted (either per-call or completion-wide).
func (s *Scheduler) triggerExtractFallback(ctx context.Context, cc *CallContext) {
	if _, ok := s.budget.takeLLMCall(); !ok {
		s.finishCallWithError(cc, &ErrNoFinalAnswer{CallID: cc.CallID, MaxIterations: s.cfg.MaxIterations})
		return
	}
	req := GenerateRequest{
		Prompt:    buildExtractPrompt(cc),
		Depth:     cc.Depth,
		IsSubCall: cc.ParentBridgeRequestID != "",
		Toolkit:   []ToolDefinition{submitToolDefinition(cc)},
		ToolChoice: &ToolChoice{Tool: submitToolName},
	}
	resp, err := s.generate(ctx, cc, req)
	if err != nil {
		s.finishCallWithError(cc, &ErrNoFinalAnswer{CallID: cc.CallID, MaxIterations: s.cfg.MaxIterations})
		return
	}
	result := extractSubmit(resp)
	if result.Kind != SubmitFound {
		s.finishCallWithError(cc, &ErrNoFinalAnswer{CallID: cc.CallID, MaxIterations: s.cfg.MaxIterations})
		return
	}
	if !s.queue.enqueueOrWarn(Finalize{CallID: cc.CallID, Payload: result.Payload}) {
		s.warn(cc.CallID, cc.Depth, WarnQueueClosed, "failed to enqueue Finalize from extract fallback", "GenerateStep")
	}
}

// --- ExecuteCode / CodeExecuted ---

func (s *Scheduler) handleExecuteCode(ctx context.Context, cmd ExecuteCode) {
	cc := s.lookup(cmd.CallID)
	if cc == nil {
		s.warn(cmd.CallID, 0, WarnStaleCommandDropped, "ExecuteCode for unknown call", "ExecuteCode")
		return
	}
	s.publish(CodeExecutionStarted{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cc.CallID, Depth: cc.Depth},
		Code:        cmd.Code,
	})
	cc.scope.fork(func(scopeCtx context.Context) {
		output, err := cc.sandbox.Execute(scopeCtx, cmd.Code)
		if errors.Is(err, ErrSandboxOverloaded) {
			s.warn(cc.CallID, cc.Depth, WarnQueueOverloadedFatal, err.Error(), "ExecuteCode")
			if !s.queue.enqueueOrWarn(FailCall{CallID: cc.CallID, Err: &ErrSandbox{Message: "worker inbound frame queue overloaded", Cause: err}}) {
				s.warn(cc.CallID, cc.Depth, WarnQueueClosed, "failed to enqueue FailCall after queue overload", "ExecuteCode")
			}
			return
		}
		if err != nil {
			output = "Error: " + err.Error()
		}
		s.queue.enqueueOrWarn(CodeExecuted{CallID: cc.CallID, Output: output})
	})
}

func (s *Scheduler) handleCodeExecuted(ctx context.Context, cmd CodeExecuted) {
	cc := s.lookup(cmd.CallID)
	if cc == nil {
		s.warn(cmd.CallID, 0, WarnStaleCommandDropped, "CodeExecuted for unknown call", "CodeExecuted")
		return
	}
	s.publish(CodeExecutionCompleted{
		eventHeader: eventHeader{CompletionID: s.completionID, CallID: cc.CallID, Depth: cc.Depth},
		Output:      cmd.Output,
	})
	cc.CodeExecutedAtLeastOnce = true

	truncated := truncateWithMarker(cmd.Output, s.cfg.MaxExecutionOutputChars)
	if n := len(cc.Transcript); n > 0 {
		cc.Transcript[n-1].ExecutionOutput = truncated
		cc.Transcript[n-1].HasOutput = true
	}

	if _, err := cc.sandbox.ListVars(cc.scope.ctx); err != nil {
		s.warn(cc.CallID, cc.Depth, WarnVariableSyncFailed, err.Error(), "CodeExecuted")
	}

	s.requeueGenerateStep(cc)
}

func appendTranscript(cc *CallContext, assistantText, executionOutput string) {
	cc.Transcript = append(cc.Transcript, transcriptEntry{
		AssistantResponse: assistantText,
		ExecutionOutput:   executionOutput,
		HasOutput:         true,
	})
}

func appendAssistantOnly(cc *CallContext, assistantText string) {
	cc.Transcript = append(cc.Transcript, transcriptEntry{AssistantResponse: assistantText})
}

// submitToolDefinition is the tool offered to the model so it can finalize
// a call, described exactly per §4.6's shape (exactly one of answer/value/
// variable).
func submitToolDefinition(cc *CallContext) ToolDefinition {
	schema := `{"type":"object","properties":{"answer":{"type":"string"},"value":{},"variable":{"type":"string"}}}`
	if cc.structuredMode() {
		schema = `{"type":"object","properties":{"value":{},"variable":{"type":"string"}}}`
	}
	return ToolDefinition{
		Name:        submitToolName,
		Description: "Finalize the call with exactly one of answer, value, or variable.",
		Parameters:  []byte(schema),
	}
}

// buildStepPrompt assembles the textual prompt for one GenerateStep
// iteration from the call's query, context, and transcript so far. Prompt
// template wording is an external concern; this assembly is the minimal
// structural ordering the scheduler itself is responsible for.
func buildStepPrompt(cc *CallContext) string {
	var b []byte
	b = append(b, "Query: "...)
	b = append(b, cc.Query...)
	b = append(b, "\n\nContext:\n"...)
	b = append(b, cc.Context...)
	for _, entry := range cc.Transcript {
		b = append(b, "\n\nAssistant:\n"...)
		b = append(b, entry.AssistantResponse...)
		if entry.HasOutput {
			b = append(b, "\n\nOutput:\n"...)
			b = append(b, entry.ExecutionOutput...)
		}
	}
	return string(b)
}

// buildExtractPrompt assembles the forced-finalization prompt used by the
// extract fallback once the iteration budget is exhausted.
func buildExtractPrompt(cc *CallContext) string {
	return buildStepPrompt(cc) + "\n\nThe iteration budget is exhausted. Call SUBMIT now with your best answer."
}
