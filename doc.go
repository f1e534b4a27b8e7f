// Package reploop is a recursive LLM-orchestration scheduler.
//
// It drives a language model through a REPL-style loop: the model proposes a
// snippet of code, a sandboxed worker process executes it, the observed
// output is appended to the model's transcript, and the loop repeats until
// the model emits a SUBMIT tool call or its budget is exhausted. Model code
// may recursively invoke llm_query / llm_query_batched, spawning child
// completions under the same depth and budget accounting.
//
// # Quick Start
//
// Build a runtime by composing a LanguageModel and a sandbox worker binary:
//
//	cfg := reploop.Config{
//		MaxIterations: 20,
//		MaxDepth:      3,
//		WorkerPath:    "./reploop-worker",
//	}
//	rt := reploop.NewRuntime(cfg, model, nil, nil, sandbox.NewHostFactory(cfg.Normalize(), nil))
//	answer, err := rt.Complete(ctx, reploop.CallOptions{
//		Query:   "what is 2+2?",
//		Context: "",
//	})
//
// # Core Interfaces
//
//   - [LanguageModel] — the LLM backend (text generation, tool calling)
//   - [Tracer] / [Span] — span-based tracing, backed by observer.Init
//   - [Tool] — a pluggable capability exposed to model-authored code
//
// # Included Implementations
//
// Sandbox: sandbox (frame codec + host), cmd/reploop-worker (goja-based
// worker process). Tracing: observer (OpenTelemetry). Language models: llm
// (scripted test double, minimal HTTP-backed implementation). Configuration:
// config (TOML loader). See cmd/reploop for a complete reference CLI.
package reploop
