// Command reploop-worker is the sandbox worker process: it embeds a
// JavaScript runtime and speaks the host's newline-delimited JSON frame
// protocol over stdin/stdout. The host (package sandbox) spawns one of
// these per call and tears it down when the call finishes.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	gojarequire "github.com/dop251/goja_nodejs/require"
)

type frameType string

const (
	frameInit            frameType = "init"
	frameExecRequest     frameType = "exec_request"
	frameSetVar          frameType = "set_var"
	frameGetVarRequest   frameType = "get_var_request"
	frameListVarsRequest frameType = "list_vars_request"
	frameBridgeResult    frameType = "bridge_result"
	frameBridgeFailed    frameType = "bridge_failed"
	frameShutdown        frameType = "shutdown"
	frameExecResult      frameType = "exec_result"
	frameExecError       frameType = "exec_error"
	frameSetVarAck       frameType = "set_var_ack"
	frameSetVarError     frameType = "set_var_error"
	frameGetVarResult    frameType = "get_var_result"
	frameListVarsResult  frameType = "list_vars_result"
	frameBridgeCall      frameType = "bridge_call"
)

type frame struct {
	Type      frameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// strictModeBlocklist rejects dynamic-binding escape hatches when the call
// configured SandboxStrict; permissive mode (the default) leaves goja's
// already-limited global surface as-is.
var strictModeBlocklist = []*regexp.Regexp{
	regexp.MustCompile(`\brequire\s*\(`),
	regexp.MustCompile(`\bimport\s*\(`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bFunction\s*\(`),
}

func main() {
	w := newWorker()
	w.run()
}

// worker owns the goja runtime, its driving event loop, and the pending
// bridge-call futures keyed by request ID — the same single-process,
// correlated-request shape as the host side, mirrored here because a
// BridgeCall suspends the running script until the host resolves it.
type worker struct {
	loop *eventloop.EventLoop
	mode string

	out   *bufio.Writer
	outMu sync.Mutex

	bridgeMu      sync.Mutex
	bridgePending map[string]chan bridgeSettled
}

type bridgeSettled struct {
	result json.RawMessage
	err    string
}

func newWorker() *worker {
	reg := gojarequire.NewRegistry()
	loop := eventloop.NewEventLoop(eventloop.WithRegistry(reg))
	return &worker{
		loop:          loop,
		out:           bufio.NewWriter(os.Stdout),
		bridgePending: make(map[string]chan bridgeSettled),
	}
}

func (w *worker) run() {
	w.loop.Start()
	defer w.loop.Stop()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		if f.Type == frameShutdown {
			return
		}
		w.handleFrame(f)
	}
}

func (w *worker) handleFrame(f frame) {
	switch f.Type {
	case frameInit:
		var p struct {
			CallID string `json:"callId"`
			Mode   string `json:"mode"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		w.mode = p.Mode
		w.loop.RunOnLoop(func(vm *goja.Runtime) { w.bindGlobals(vm) })

	case frameExecRequest:
		var p struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		// Run off the stdin-reader goroutine: execute blocks until the
		// event loop callback finishes, and a script that calls llm_query
		// suspends that callback on a bridge_result frame this same
		// goroutine needs to keep reading to deliver.
		go w.execute(f.RequestID, p.Code)

	case frameSetVar:
		var p struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		w.setVar(f.RequestID, p.Name, p.Value)

	case frameGetVarRequest:
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		w.getVar(f.RequestID, p.Name)

	case frameListVarsRequest:
		w.listVars(f.RequestID)

	case frameBridgeResult:
		var p struct {
			BridgeRequestID string          `json:"bridgeRequestId"`
			Result          json.RawMessage `json:"result"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		w.settleBridge(p.BridgeRequestID, bridgeSettled{result: p.Result})

	case frameBridgeFailed:
		var p struct {
			BridgeRequestID string `json:"bridgeRequestId"`
			Message         string `json:"message"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		w.settleBridge(p.BridgeRequestID, bridgeSettled{err: p.Message})
	}
}

// bindGlobals installs the globals sandboxed code gets: print (sent to the
// host as a worker_log frame), __vars (the live variable table), and the
// llm_query[_batched] bridge calls. No per-tool bindings are installed, so
// user tools are not callable from scripts.
func (w *worker) bindGlobals(vm *goja.Runtime) {
	vars := vm.NewObject()
	_ = vm.Set("__vars", vars)

	_ = vm.Set("print", func(args ...goja.Value) {
		w.writeFrame(frame{Type: "worker_log", Payload: mustJSON(map[string]string{
			"level": "info", "message": formatArgs(args),
		})})
	})

	_ = vm.Set("llm_query", func(call goja.FunctionCall) goja.Value {
		query := call.Argument(0).String()
		queryCtx := call.Argument(1).String()
		args := mustJSON(map[string]any{"query": query, "context": queryCtx})
		return w.awaitBridgeCall(vm, "llm_query", args)
	})

	_ = vm.Set("llm_query_batched", func(call goja.FunctionCall) goja.Value {
		queries := call.Argument(0).Export()
		contexts := call.Argument(1).Export()
		args := mustJSON(map[string]any{"queries": queries, "contexts": contexts})
		return w.awaitBridgeCall(vm, "llm_query_batched", args)
	})
}

// awaitBridgeCall suspends the calling script on a blocking channel receive
// until the host answers with a bridge_result/bridge_failed frame. This
// blocks the event-loop callback that the script is running inside of
// (queued via RunOnLoop in execute), not the stdin-reader goroutine — execute
// runs in its own goroutine precisely so the reader stays free to deliver
// that settlement frame while the call is in flight.
func (w *worker) awaitBridgeCall(vm *goja.Runtime, method string, args json.RawMessage) goja.Value {
	reqID := newRequestID()
	ch := make(chan bridgeSettled, 1)
	w.bridgeMu.Lock()
	w.bridgePending[reqID] = ch
	w.bridgeMu.Unlock()

	w.writeFrame(frame{Type: frameBridgeCall, Payload: mustJSON(map[string]any{
		"bridgeRequestId": reqID,
		"method":          method,
		"args":            json.RawMessage(args),
	})})

	settled := <-ch
	if settled.err != "" {
		panic(vm.ToValue(settled.err))
	}
	var v any
	_ = json.Unmarshal(settled.result, &v)
	return vm.ToValue(v)
}

func (w *worker) settleBridge(reqID string, s bridgeSettled) {
	w.bridgeMu.Lock()
	ch, ok := w.bridgePending[reqID]
	if ok {
		delete(w.bridgePending, reqID)
	}
	w.bridgeMu.Unlock()
	if ok {
		ch <- s
	}
}

func (w *worker) execute(requestID, code string) {
	if w.mode == "strict" {
		for _, pat := range strictModeBlocklist {
			if pat.MatchString(code) {
				w.writeFrame(frame{Type: frameExecError, RequestID: requestID, Payload: mustJSON(map[string]string{
					"message": fmt.Sprintf("blocked: code matches prohibited pattern %q", pat.String()),
				})})
				return
			}
		}
	}

	done := make(chan struct{})
	var out string
	var execErr error
	w.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(done)
		v, err := vm.RunString(code)
		if err != nil {
			execErr = err
			return
		}
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			out = v.String()
		}
	})
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		w.writeFrame(frame{Type: frameExecError, RequestID: requestID, Payload: mustJSON(map[string]string{
			"message": "execution timed out",
		})})
		return
	}

	if execErr != nil {
		w.writeFrame(frame{Type: frameExecError, RequestID: requestID, Payload: mustJSON(map[string]string{
			"message": execErr.Error(),
		})})
		return
	}
	w.writeFrame(frame{Type: frameExecResult, RequestID: requestID, Payload: mustJSON(map[string]string{
		"output": out,
	})})
}

func (w *worker) setVar(requestID, name string, value json.RawMessage) {
	done := make(chan error, 1)
	w.loop.RunOnLoop(func(vm *goja.Runtime) {
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			done <- err
			return
		}
		vars := vm.Get("__vars").ToObject(vm)
		vars.Set(name, vm.ToValue(v))
		vm.Set(name, vm.ToValue(v))
		done <- nil
	})
	if err := <-done; err != nil {
		w.writeFrame(frame{Type: frameSetVarError, RequestID: requestID, Payload: mustJSON(map[string]string{"message": err.Error()})})
		return
	}
	w.writeFrame(frame{Type: frameSetVarAck, RequestID: requestID})
}

func (w *worker) getVar(requestID, name string) {
	type result struct {
		found bool
		value any
	}
	done := make(chan result, 1)
	w.loop.RunOnLoop(func(vm *goja.Runtime) {
		vars := vm.Get("__vars").ToObject(vm)
		v := vars.Get(name)
		if v == nil || goja.IsUndefined(v) {
			done <- result{found: false}
			return
		}
		done <- result{found: true, value: v.Export()}
	})
	r := <-done
	payload := map[string]any{"found": r.found}
	if r.found {
		payload["value"] = r.value
	}
	w.writeFrame(frame{Type: frameGetVarResult, RequestID: requestID, Payload: mustJSON(payload)})
}

func (w *worker) listVars(requestID string) {
	done := make(chan []string, 1)
	w.loop.RunOnLoop(func(vm *goja.Runtime) {
		vars := vm.Get("__vars").ToObject(vm)
		done <- vars.Keys()
	})
	names := <-done
	w.writeFrame(frame{Type: frameListVarsResult, RequestID: requestID, Payload: mustJSON(map[string][]string{"names": names})})
}

func (w *worker) writeFrame(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	w.outMu.Lock()
	defer w.outMu.Unlock()
	w.out.Write(data)
	w.out.WriteByte('\n')
	w.out.Flush()
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func formatArgs(args []goja.Value) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += " "
		}
		s += a.String()
	}
	return s
}

var requestIDCounter uint64
var requestIDMu sync.Mutex

// newRequestID generates a process-local unique ID for bridge calls
// originating in this worker. A counter is sufficient here: IDs never
// leave this process's lifetime and never need to sort or compare across
// processes the way the host's call/command IDs do.
func newRequestID() string {
	requestIDMu.Lock()
	defer requestIDMu.Unlock()
	requestIDCounter++
	return fmt.Sprintf("w%d-%d", os.Getpid(), requestIDCounter)
}
