package reploop

import "sync"

// budget tracks the four exhaustible resources for one completion:
// iterations, LLM calls, tokens, and wall-clock time. All mutations are
// test-and-decrement under a single mutex so a resource can never go
// negative and a successful decrement always implies the corresponding work
// was actually started.
type budget struct {
	mu sync.Mutex

	iterationsRemaining int64
	llmCallsRemaining   int64
	tokensRemaining     int64 // only meaningful when tokensLimited is true
	tokensLimited       bool
	totalTokensUsed     int64

	startedAtMs int64
	maxTimeMs   int64 // 0 means unlimited
}

func newBudget(cfg Config) *budget {
	return &budget{
		iterationsRemaining: int64(cfg.MaxIterations),
		llmCallsRemaining:   int64(cfg.MaxLLMCalls),
		tokensRemaining:     cfg.MaxTotalTokens,
		tokensLimited:       cfg.MaxTotalTokens > 0,
		startedAtMs:         nowMs(),
		maxTimeMs:           cfg.MaxTimeMs,
	}
}

// takeIteration test-and-decrements the iteration budget, returning the
// remaining count on success.
func (b *budget) takeIteration() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.iterationsRemaining <= 0 {
		return 0, false
	}
	b.iterationsRemaining--
	return b.iterationsRemaining, true
}

// takeLLMCall test-and-decrements the LLM-call budget. Must be called
// before the model is invoked, never after.
func (b *budget) takeLLMCall() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.llmCallsRemaining <= 0 {
		return 0, false
	}
	b.llmCallsRemaining--
	return b.llmCallsRemaining, true
}

// recordTokens subtracts a usage count reported by the model after a call
// returns. Reports whether the token budget is now exhausted for the *next*
// iteration — the response that produced this usage is still delivered.
func (b *budget) recordTokens(used int64) (exhausted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalTokensUsed += used
	if !b.tokensLimited {
		return false
	}
	b.tokensRemaining -= used
	return b.tokensRemaining < 0
}

// elapsedExceeded reports whether the completion has run past its
// configured wall-clock budget.
func (b *budget) elapsedExceeded() bool {
	if b.maxTimeMs <= 0 {
		return false
	}
	return nowMs()-b.startedAtMs >= b.maxTimeMs
}

// tokensExhausted reports whether a prior recordTokens call has already
// driven the token budget below zero — checked at the top of the next
// iteration, since the response that exhausted it was still delivered.
func (b *budget) tokensExhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokensLimited && b.tokensRemaining < 0
}

// snapshot captures the current counters for an IterationStarted event,
// without mutating anything.
func (b *budget) snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BudgetSnapshot{
		IterationsRemaining: b.iterationsRemaining,
		LLMCallsRemaining:   b.llmCallsRemaining,
		TotalTokensUsed:     b.totalTokensUsed,
		ElapsedMs:           nowMs() - b.startedAtMs,
	}
	if b.tokensLimited {
		s.TokensRemaining = &b.tokensRemaining
	}
	return s
}

// BudgetSnapshot is a read-only view of budget counters, published on
// IterationStarted events.
type BudgetSnapshot struct {
	IterationsRemaining int64
	LLMCallsRemaining   int64
	TokensRemaining     *int64
	TotalTokensUsed     int64
	ElapsedMs           int64
}
