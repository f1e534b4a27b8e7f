// Package sandbox supervises the sandbox worker process: a persistent
// subprocess that embeds a JavaScript runtime and communicates with the
// scheduler over newline-delimited JSON frames on stdin/stdout.
package sandbox

import "encoding/json"

// frameType tags every frame crossing the host/worker boundary so both
// sides can decode with a single exhaustive switch.
type frameType string

const (
	frameInit             frameType = "init"
	frameExecRequest      frameType = "exec_request"
	frameSetVar           frameType = "set_var"
	frameGetVarRequest    frameType = "get_var_request"
	frameListVarsRequest  frameType = "list_vars_request"
	frameBridgeResult     frameType = "bridge_result"
	frameBridgeFailed     frameType = "bridge_failed"
	frameShutdown         frameType = "shutdown"
	frameExecResult       frameType = "exec_result"
	frameExecError        frameType = "exec_error"
	frameSetVarAck        frameType = "set_var_ack"
	frameSetVarError      frameType = "set_var_error"
	frameGetVarResult     frameType = "get_var_result"
	frameListVarsResult   frameType = "list_vars_result"
	frameBridgeCall       frameType = "bridge_call"
	frameWorkerLog        frameType = "worker_log"
)

// frame is the wire envelope. RequestID correlates a host→worker request
// with its worker→host response; it is empty on frames that need no
// correlation (Init, Shutdown, WorkerLog).
type frame struct {
	Type      frameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// --- host -> worker payloads ---

type initPayload struct {
	CallID string `json:"callId"`
	Mode   string `json:"mode"` // "permissive" | "strict"
}

type execRequestPayload struct {
	Code string `json:"code"`
}

type setVarPayload struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type getVarRequestPayload struct {
	Name string `json:"name"`
}

type bridgeResultPayload struct {
	BridgeRequestID string          `json:"bridgeRequestId"`
	Result          json.RawMessage `json:"result"`
}

type bridgeFailedPayload struct {
	BridgeRequestID string `json:"bridgeRequestId"`
	Message         string `json:"message"`
}

// --- worker -> host payloads ---

type execResultPayload struct {
	Output string `json:"output"`
}

type execErrorPayload struct {
	Message string `json:"message"`
}

type setVarErrorPayload struct {
	Message string `json:"message"`
}

type getVarResultPayload struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

type listVarsResultPayload struct {
	Names []string `json:"names"`
}

type bridgeCallPayload struct {
	BridgeRequestID string          `json:"bridgeRequestId"`
	Method          string          `json:"method"`
	Args            json.RawMessage `json:"args"`
}

type workerLogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
