package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	reploop "github.com/arcloop/reploop"
)

func newRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Options configures the worker process a Host supervises.
type Options struct {
	WorkerPath   string
	Mode         string // "permissive" | "strict"
	MaxFrameBytes int64

	ExecuteTimeout   time.Duration
	SetVarTimeout    time.Duration
	GetVarTimeout    time.Duration
	ListVarsTimeout  time.Duration
	ShutdownGrace    time.Duration

	// MaxBridgeConcurrency bounds how many llm_query/llm_query_batched/tool
	// bridge calls this worker may have in flight at once. Defaults to 4.
	MaxBridgeConcurrency int
	// IncomingFrameQueueCapacity bounds the inbound frame backlog between
	// the stdout scanner and the goroutine that routes frames. A full
	// queue means the worker is producing replies faster than the host (or
	// its bridge handler) can drain them; the host kills the worker rather
	// than let the backlog grow unbounded. Defaults to 64.
	IncomingFrameQueueCapacity int

	Bridge reploop.BridgeHandler
	CallID string

	Logger *slog.Logger
}

// healthState is the lifecycle of the supervised worker process.
type healthState int

const (
	stateAlive healthState = iota
	stateShuttingDown
	stateDead
)

// Host supervises one sandbox worker subprocess for the lifetime of a
// single call. It multiplexes concurrent Execute/SetVar/GetVar/ListVars
// requests onto the worker's single stdin/stdout frame stream using a
// pending-request table keyed by RequestID, mirroring the way the
// teacher's SubprocessRunner multiplexes tool-call replies onto one
// process's stdin/stdout — generalized here from a one-shot invocation
// to a long-lived process with many sequential requests.
type Host struct {
	opts Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu      sync.Mutex
	pending map[string]chan frame
	state   healthState
	deadErr error

	writeMu sync.Mutex
	wg      sync.WaitGroup

	bridgeSem *semaphore.Weighted
	logger    *slog.Logger
}

// NewHostFactory returns a sandboxFactory-shaped constructor (see the root
// package's Scheduler and CompletionRuntime) that spawns one Host per call.
// The bridge handler is supplied per call rather than baked in here, since
// the Scheduler acting as the BridgeHandler does not exist yet at the point
// NewHostFactory itself is constructed.
func NewHostFactory(cfg reploop.Config, logger *slog.Logger) func(ctx context.Context, callID string, depth int, bridge reploop.BridgeHandler) (reploop.SandboxHandle, error) {
	return func(ctx context.Context, callID string, depth int, bridge reploop.BridgeHandler) (reploop.SandboxHandle, error) {
		return Start(ctx, Options{
			WorkerPath:                 cfg.WorkerPath,
			Mode:                       string(cfg.SandboxMode),
			MaxFrameBytes:              cfg.MaxFrameBytes,
			ExecuteTimeout:             time.Duration(cfg.ExecuteTimeoutMs) * time.Millisecond,
			SetVarTimeout:              time.Duration(cfg.SetVarTimeoutMs) * time.Millisecond,
			GetVarTimeout:              time.Duration(cfg.GetVarTimeoutMs) * time.Millisecond,
			ListVarsTimeout:            time.Duration(cfg.ListVarsTimeoutMs) * time.Millisecond,
			ShutdownGrace:              time.Duration(cfg.ShutdownGraceMs) * time.Millisecond,
			MaxBridgeConcurrency:       cfg.MaxBridgeConcurrency,
			IncomingFrameQueueCapacity: cfg.IncomingFrameQueueCapacity,
			Bridge:                     bridge,
			CallID:                     callID,
			Logger:                     logger,
		})
	}
}

// Start spawns the worker process and performs the Init handshake.
func Start(ctx context.Context, opts Options) (*Host, error) {
	if opts.WorkerPath == "" {
		return nil, fmt.Errorf("sandbox: worker path not configured")
	}
	cmd := exec.Command(opts.WorkerPath)
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start worker: %w", err)
	}

	maxBridge := opts.MaxBridgeConcurrency
	if maxBridge <= 0 {
		maxBridge = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Host{
		opts:      opts,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		pending:   make(map[string]chan frame),
		state:     stateAlive,
		bridgeSem: semaphore.NewWeighted(int64(maxBridge)),
		logger:    logger,
	}

	h.wg.Add(1)
	go h.readLoop()

	if err := h.sendInit(); err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	return h, nil
}

func (h *Host) sendInit() error {
	payload, _ := json.Marshal(initPayload{CallID: h.opts.CallID, Mode: h.opts.Mode})
	return h.writeFrame(frame{Type: frameInit, Payload: payload})
}

// readLoop is the sole reader of the worker's stdout. It decodes one JSON
// frame per line and hands each to the bounded dispatch queue; routing
// (correlated replies, BridgeCall, WorkerLog) happens on dispatchFrames so a
// slow bridge handler backs up the queue rather than stalling the scanner.
func (h *Host) readLoop() {
	defer h.wg.Done()
	scanner := bufio.NewScanner(h.stdout)
	maxFrame := int(h.opts.MaxFrameBytes)
	if maxFrame <= 0 {
		maxFrame = 4 * 1024 * 1024
	}
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)

	qcap := h.opts.IncomingFrameQueueCapacity
	if qcap <= 0 {
		qcap = 64
	}
	frames := make(chan frame, qcap)
	h.wg.Add(1)
	go h.dispatchFrames(frames)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		select {
		case frames <- f:
		default:
			close(frames)
			h.fatalOverload(qcap)
			return
		}
	}
	close(frames)
	h.markDead(fmt.Errorf("sandbox: worker exited"))
}

// dispatchFrames consumes decoded frames off the bounded inbound queue.
// handleBridgeCall acquiring bridgeSem can block this goroutine when
// MaxBridgeConcurrency is saturated; that backpressure is what lets the
// queue actually fill up and trip the overload guard in readLoop.
func (h *Host) dispatchFrames(frames chan frame) {
	defer h.wg.Done()
	for f := range frames {
		switch f.Type {
		case frameBridgeCall:
			h.handleBridgeCall(f)
		case frameWorkerLog:
			// Worker diagnostic output; nothing correlates on it.
		default:
			h.deliver(f)
		}
	}
}

func (h *Host) deliver(f frame) {
	h.mu.Lock()
	ch, ok := h.pending[f.RequestID]
	if ok {
		delete(h.pending, f.RequestID)
	}
	h.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (h *Host) markDead(err error) {
	h.mu.Lock()
	h.state = stateDead
	if h.deadErr == nil {
		h.deadErr = err
	}
	pending := h.pending
	h.pending = make(map[string]chan frame)
	h.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// fatalOverload kills the worker once its inbound frame queue has exceeded
// capacity: the host cannot reliably keep multiplexing a backlog it is no
// longer draining fast enough, so the call is treated as lost rather than
// left to grow the queue without bound.
func (h *Host) fatalOverload(capacity int) {
	err := fmt.Errorf("sandbox: %w: inbound frame queue exceeded capacity %d", reploop.ErrSandboxOverloaded, capacity)
	h.logger.Error("sandbox: inbound frame queue overloaded, killing worker",
		"callId", h.opts.CallID, "capacity", capacity)
	h.markDead(err)
	_ = h.cmd.Process.Kill()
}

// handleBridgeCall forwards a sandboxed call's bridge request to the
// scheduler's BridgeHandler and writes the resolved/failed frame back.
// bridgeSem bounds how many of these run concurrently per worker.
func (h *Host) handleBridgeCall(f frame) {
	var p bridgeCallPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	if err := h.bridgeSem.Acquire(context.Background(), 1); err != nil {
		return
	}
	go func() {
		defer h.bridgeSem.Release(1)
		result, err := h.opts.Bridge.Handle(context.Background(), h.opts.CallID, p.Method, p.Args)
		if err != nil {
			payload, _ := json.Marshal(bridgeFailedPayload{BridgeRequestID: p.BridgeRequestID, Message: err.Error()})
			_ = h.writeFrame(frame{Type: frameBridgeFailed, Payload: payload})
			return
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			payload, _ := json.Marshal(bridgeFailedPayload{BridgeRequestID: p.BridgeRequestID, Message: err.Error()})
			_ = h.writeFrame(frame{Type: frameBridgeFailed, Payload: payload})
			return
		}
		payload, _ := json.Marshal(bridgeResultPayload{BridgeRequestID: p.BridgeRequestID, Result: encoded})
		_ = h.writeFrame(frame{Type: frameBridgeResult, Payload: payload})
	}()
}

func (h *Host) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err = h.stdin.Write(append(data, '\n'))
	return err
}

// request sends a correlated frame and waits for its reply or ctx/timeout.
func (h *Host) request(ctx context.Context, reqType frameType, payload json.RawMessage, timeout time.Duration) (frame, error) {
	h.mu.Lock()
	if h.state != stateAlive {
		err := h.deadErr
		h.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("sandbox: worker is not alive")
		}
		return frame{}, err
	}
	reqID := newRequestID()
	ch := make(chan frame, 1)
	h.pending[reqID] = ch
	h.mu.Unlock()

	if err := h.writeFrame(frame{Type: reqType, RequestID: reqID, Payload: payload}); err != nil {
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
		return frame{}, err
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case f, ok := <-ch:
		if !ok {
			h.mu.Lock()
			err := h.deadErr
			h.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("sandbox: worker exited before replying")
			}
			return frame{}, err
		}
		return f, nil
	case <-reqCtx.Done():
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
		return frame{}, reqCtx.Err()
	}
}

// Execute runs code in the worker's persistent runtime and returns the
// script's completion value as a string ("" when it is undefined or null).
// Text passed to print arrives as worker_log frames, which the host
// discards; it is not part of the returned output.
func (h *Host) Execute(ctx context.Context, code string) (string, error) {
	payload, _ := json.Marshal(execRequestPayload{Code: code})
	f, err := h.request(ctx, frameExecRequest, payload, h.opts.ExecuteTimeout)
	if err != nil {
		return "", err
	}
	switch f.Type {
	case frameExecResult:
		var p execResultPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return "", err
		}
		return p.Output, nil
	case frameExecError:
		var p execErrorPayload
		_ = json.Unmarshal(f.Payload, &p)
		return "", fmt.Errorf("%s", p.Message)
	default:
		return "", fmt.Errorf("sandbox: unexpected reply frame %q to exec_request", f.Type)
	}
}

// SetVar binds a named variable in the worker's runtime, callable between
// executions so the host can seed query/context and refresh transcript state.
func (h *Host) SetVar(ctx context.Context, name string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(setVarPayload{Name: name, Value: encoded})
	f, err := h.request(ctx, frameSetVar, payload, h.opts.SetVarTimeout)
	if err != nil {
		return err
	}
	if f.Type == frameSetVarError {
		var p setVarErrorPayload
		_ = json.Unmarshal(f.Payload, &p)
		return fmt.Errorf("%s", p.Message)
	}
	return nil
}

// GetVar reads a named variable's current value.
func (h *Host) GetVar(ctx context.Context, name string) (any, bool, error) {
	payload, _ := json.Marshal(getVarRequestPayload{Name: name})
	f, err := h.request(ctx, frameGetVarRequest, payload, h.opts.GetVarTimeout)
	if err != nil {
		return nil, false, err
	}
	var p getVarResultPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, false, err
	}
	if !p.Found {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(p.Value, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// ListVars snapshots every bound variable name and value.
func (h *Host) ListVars(ctx context.Context) (map[string]any, error) {
	f, err := h.request(ctx, frameListVarsRequest, nil, h.opts.ListVarsTimeout)
	if err != nil {
		return nil, err
	}
	var names listVarsResultPayload
	if err := json.Unmarshal(f.Payload, &names); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(names.Names))
	for _, name := range names.Names {
		v, ok, err := h.GetVar(ctx, name)
		if err != nil || !ok {
			continue
		}
		out[name] = v
	}
	return out, nil
}

// Close requests a graceful shutdown, then escalates to SIGTERM and finally
// SIGKILL if the worker does not exit within the configured grace period at
// each step — the same terminate-then-kill discipline the teacher's session
// manager applies to its per-session workspace cleanup, extended here with
// the intermediate signal the spec's shutdown sequence requires.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.state == stateDead {
		h.mu.Unlock()
		return nil
	}
	h.state = stateShuttingDown
	h.mu.Unlock()

	_ = h.writeFrame(frame{Type: frameShutdown})
	_ = h.stdin.Close()

	grace := h.opts.ShutdownGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}

	exited := make(chan error, 1)
	go func() { exited <- h.cmd.Wait() }()

	select {
	case <-exited:
		h.wg.Wait()
		return nil
	case <-time.After(grace):
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
		<-exited
	}
	h.wg.Wait()
	return nil
}

// compile-time check
var _ interface {
	Execute(ctx context.Context, code string) (string, error)
	SetVar(ctx context.Context, name string, value any) error
	GetVar(ctx context.Context, name string) (any, bool, error)
	ListVars(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
} = (*Host)(nil)
