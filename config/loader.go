// Package config loads a reploop.Config from a TOML file with environment
// variable overrides, the same defaults-then-file-then-env layering the
// teacher's own config loader uses.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	reploop "github.com/arcloop/reploop"
)

// FileConfig mirrors reploop.Config's fields in TOML-tagged form, plus the
// model-connection fields (§6 leaves model wiring to the caller) needed to
// construct a LanguageModel for cmd/reploop.
type FileConfig struct {
	MaxIterations  int   `toml:"max_iterations"`
	MaxDepth       int   `toml:"max_depth"`
	MaxLLMCalls    int   `toml:"max_llm_calls"`
	MaxTotalTokens int64 `toml:"max_total_tokens"`
	MaxTimeMs      int64 `toml:"max_time_ms"`

	Concurrency          int `toml:"concurrency"`
	CommandQueueCapacity int `toml:"command_queue_capacity"`
	EventBufferCapacity  int `toml:"event_buffer_capacity"`

	MaxExecutionOutputChars int `toml:"max_execution_output_chars"`
	StallResponseMaxChars   int `toml:"stall_response_max_chars"`
	StallConsecutiveLimit   int `toml:"stall_consecutive_limit"`

	EnableLLMQueryBatched bool `toml:"enable_llm_query_batched"`
	MaxBatchQueries       int  `toml:"max_batch_queries"`

	BridgeRetryBaseDelayMs int   `toml:"bridge_retry_base_delay_ms"`
	BridgeToolRetryCount   int   `toml:"bridge_tool_retry_count"`
	BridgeTimeoutMs        int64 `toml:"bridge_timeout_ms"`

	SandboxMode                string `toml:"sandbox_mode"`
	ExecuteTimeoutMs           int64  `toml:"execute_timeout_ms"`
	SetVarTimeoutMs            int64  `toml:"set_var_timeout_ms"`
	GetVarTimeoutMs            int64  `toml:"get_var_timeout_ms"`
	ListVarsTimeoutMs          int64  `toml:"list_vars_timeout_ms"`
	ShutdownGraceMs            int64  `toml:"shutdown_grace_ms"`
	MaxFrameBytes              int64  `toml:"max_frame_bytes"`
	MaxBridgeConcurrency       int    `toml:"max_bridge_concurrency"`
	IncomingFrameQueueCapacity int    `toml:"incoming_frame_queue_capacity"`

	WorkerPath string `toml:"worker_path"`

	Model ModelConfig `toml:"model"`
}

// ModelConfig names the LanguageModel backend cmd/reploop wires up.
type ModelConfig struct {
	BaseURL string `toml:"base_url"`
	Name    string `toml:"name"`
	APIKey  string `toml:"api_key"`
}

// Load reads path (TOML), falling back to reploop.DefaultConfig for any
// field the file doesn't set, then applies environment overrides for
// secrets that shouldn't live in a checked-in file.
func Load(path string) (reploop.Config, ModelConfig, error) {
	d := reploop.DefaultConfig()
	fc := FileConfig{
		MaxIterations: d.MaxIterations, MaxDepth: d.MaxDepth, MaxLLMCalls: d.MaxLLMCalls,
		MaxTotalTokens: d.MaxTotalTokens, MaxTimeMs: d.MaxTimeMs,
		Concurrency: d.Concurrency, CommandQueueCapacity: d.CommandQueueCapacity, EventBufferCapacity: d.EventBufferCapacity,
		MaxExecutionOutputChars: d.MaxExecutionOutputChars, StallResponseMaxChars: d.StallResponseMaxChars, StallConsecutiveLimit: d.StallConsecutiveLimit,
		EnableLLMQueryBatched: d.EnableLLMQueryBatched, MaxBatchQueries: d.MaxBatchQueries,
		BridgeRetryBaseDelayMs: d.BridgeRetryBaseDelayMs, BridgeToolRetryCount: d.BridgeToolRetryCount, BridgeTimeoutMs: d.BridgeTimeoutMs,
		SandboxMode: string(d.SandboxMode), ExecuteTimeoutMs: d.ExecuteTimeoutMs, SetVarTimeoutMs: d.SetVarTimeoutMs,
		GetVarTimeoutMs: d.GetVarTimeoutMs, ListVarsTimeoutMs: d.ListVarsTimeoutMs, ShutdownGraceMs: d.ShutdownGraceMs,
		MaxFrameBytes: d.MaxFrameBytes, MaxBridgeConcurrency: d.MaxBridgeConcurrency, IncomingFrameQueueCapacity: d.IncomingFrameQueueCapacity,
		WorkerPath: d.WorkerPath,
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := toml.Unmarshal(data, &fc); err != nil {
				return reploop.Config{}, ModelConfig{}, err
			}
		}
	}

	if v := os.Getenv("REPLOOP_MODEL_API_KEY"); v != "" {
		fc.Model.APIKey = v
	}

	cfg := reploop.Config{
		MaxIterations: fc.MaxIterations, MaxDepth: fc.MaxDepth, MaxLLMCalls: fc.MaxLLMCalls,
		MaxTotalTokens: fc.MaxTotalTokens, MaxTimeMs: fc.MaxTimeMs,
		Concurrency: fc.Concurrency, CommandQueueCapacity: fc.CommandQueueCapacity, EventBufferCapacity: fc.EventBufferCapacity,
		MaxExecutionOutputChars: fc.MaxExecutionOutputChars, StallResponseMaxChars: fc.StallResponseMaxChars, StallConsecutiveLimit: fc.StallConsecutiveLimit,
		EnableLLMQueryBatched: fc.EnableLLMQueryBatched, MaxBatchQueries: fc.MaxBatchQueries,
		BridgeRetryBaseDelayMs: fc.BridgeRetryBaseDelayMs, BridgeToolRetryCount: fc.BridgeToolRetryCount, BridgeTimeoutMs: fc.BridgeTimeoutMs,
		SandboxMode: reploop.SandboxMode(fc.SandboxMode), ExecuteTimeoutMs: fc.ExecuteTimeoutMs, SetVarTimeoutMs: fc.SetVarTimeoutMs,
		GetVarTimeoutMs: fc.GetVarTimeoutMs, ListVarsTimeoutMs: fc.ListVarsTimeoutMs, ShutdownGraceMs: fc.ShutdownGraceMs,
		MaxFrameBytes: fc.MaxFrameBytes, MaxBridgeConcurrency: fc.MaxBridgeConcurrency, IncomingFrameQueueCapacity: fc.IncomingFrameQueueCapacity,
		WorkerPath: fc.WorkerPath,
	}.Normalize()

	return cfg, fc.Model, nil
}
