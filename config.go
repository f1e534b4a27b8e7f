package reploop

import "time"

// SandboxMode selects how permissive the sandbox worker is about dynamic
// bridge bindings and code patterns.
type SandboxMode string

const (
	SandboxPermissive SandboxMode = "permissive"
	SandboxStrict     SandboxMode = "strict"
)

// Config holds every recognized scheduler option (§6). Zero values are not
// valid configuration on their own — use DefaultConfig and override.
type Config struct {
	MaxIterations int
	MaxDepth      int
	MaxLLMCalls   int
	MaxTotalTokens int64 // 0 => unlimited
	MaxTimeMs      int64 // 0 => unlimited

	Concurrency           int // LLM concurrency permit capacity
	CommandQueueCapacity  int
	EventBufferCapacity   int

	MaxExecutionOutputChars int
	StallResponseMaxChars   int
	StallConsecutiveLimit   int

	EnableLLMQueryBatched bool
	MaxBatchQueries       int

	BridgeRetryBaseDelayMs int
	BridgeToolRetryCount   int
	BridgeTimeoutMs        int64

	SandboxMode      SandboxMode
	ExecuteTimeoutMs   int64
	SetVarTimeoutMs    int64
	GetVarTimeoutMs    int64
	ListVarsTimeoutMs  int64
	ShutdownGraceMs    int64
	MaxFrameBytes      int64
	MaxBridgeConcurrency int
	IncomingFrameQueueCapacity int

	WorkerPath string
}

// maxFrameBytesHardCap is the absolute ceiling on a single IPC frame (§4.1).
const maxFrameBytesHardCap = 64 * 1024 * 1024

// DefaultConfig returns conservative defaults for every option; callers
// should override MaxIterations/MaxDepth/WorkerPath at minimum.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  20,
		MaxDepth:       3,
		MaxLLMCalls:    30,
		MaxTotalTokens: 0,
		MaxTimeMs:      int64(5 * time.Minute / time.Millisecond),

		Concurrency:          4,
		CommandQueueCapacity: 256,
		EventBufferCapacity:  256,

		MaxExecutionOutputChars: 8_000,
		StallResponseMaxChars:   40,
		StallConsecutiveLimit:   3,

		EnableLLMQueryBatched: true,
		MaxBatchQueries:       10,

		BridgeRetryBaseDelayMs: 200,
		BridgeToolRetryCount:   2,
		BridgeTimeoutMs:        int64(30 * time.Second / time.Millisecond),

		SandboxMode:                SandboxPermissive,
		ExecuteTimeoutMs:           int64(15 * time.Second / time.Millisecond),
		SetVarTimeoutMs:            int64(5 * time.Second / time.Millisecond),
		GetVarTimeoutMs:            int64(5 * time.Second / time.Millisecond),
		ListVarsTimeoutMs:          int64(5 * time.Second / time.Millisecond),
		ShutdownGraceMs:            int64(3 * time.Second / time.Millisecond),
		MaxFrameBytes:              4 * 1024 * 1024,
		MaxBridgeConcurrency:       4,
		IncomingFrameQueueCapacity: 64,

		WorkerPath: "reploop-worker",
	}
}

// Normalize clamps configuration to safe bounds and fills in zero values
// from DefaultConfig, returning a ready-to-use Config.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.MaxLLMCalls <= 0 {
		c.MaxLLMCalls = d.MaxLLMCalls
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.CommandQueueCapacity <= 0 {
		c.CommandQueueCapacity = d.CommandQueueCapacity
	}
	if c.EventBufferCapacity <= 0 {
		c.EventBufferCapacity = d.EventBufferCapacity
	}
	if c.MaxExecutionOutputChars <= 0 {
		c.MaxExecutionOutputChars = d.MaxExecutionOutputChars
	}
	if c.StallResponseMaxChars <= 0 {
		c.StallResponseMaxChars = d.StallResponseMaxChars
	}
	if c.StallConsecutiveLimit <= 0 {
		c.StallConsecutiveLimit = d.StallConsecutiveLimit
	}
	if c.MaxBatchQueries <= 0 {
		c.MaxBatchQueries = d.MaxBatchQueries
	}
	if c.BridgeRetryBaseDelayMs <= 0 {
		c.BridgeRetryBaseDelayMs = d.BridgeRetryBaseDelayMs
	}
	if c.BridgeTimeoutMs <= 0 {
		c.BridgeTimeoutMs = d.BridgeTimeoutMs
	}
	if c.SandboxMode == "" {
		c.SandboxMode = d.SandboxMode
	}
	if c.ExecuteTimeoutMs <= 0 {
		c.ExecuteTimeoutMs = d.ExecuteTimeoutMs
	}
	if c.SetVarTimeoutMs <= 0 {
		c.SetVarTimeoutMs = d.SetVarTimeoutMs
	}
	if c.GetVarTimeoutMs <= 0 {
		c.GetVarTimeoutMs = d.GetVarTimeoutMs
	}
	if c.ListVarsTimeoutMs <= 0 {
		c.ListVarsTimeoutMs = d.ListVarsTimeoutMs
	}
	if c.ShutdownGraceMs <= 0 {
		c.ShutdownGraceMs = d.ShutdownGraceMs
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.MaxFrameBytes > maxFrameBytesHardCap {
		c.MaxFrameBytes = maxFrameBytesHardCap
	}
	if c.MaxBridgeConcurrency <= 0 {
		c.MaxBridgeConcurrency = d.MaxBridgeConcurrency
	}
	if c.IncomingFrameQueueCapacity <= 0 {
		c.IncomingFrameQueueCapacity = d.IncomingFrameQueueCapacity
	}
	if c.WorkerPath == "" {
		c.WorkerPath = d.WorkerPath
	}
	return c
}
