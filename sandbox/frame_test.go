package sandbox

import (
	"encoding/json"
	"testing"
)

func TestFrameRoundTripExecRequest(t *testing.T) {
	payload, err := json.Marshal(execRequestPayload{Code: "print(1)"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f := frame{Type: frameExecRequest, RequestID: "req-1", Payload: payload}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	var decoded frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if decoded.Type != frameExecRequest || decoded.RequestID != "req-1" {
		t.Fatalf("unexpected frame: %+v", decoded)
	}

	var decodedPayload execRequestPayload
	if err := json.Unmarshal(decoded.Payload, &decodedPayload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decodedPayload.Code != "print(1)" {
		t.Fatalf("unexpected code: %q", decodedPayload.Code)
	}
}

func TestFrameOmitsEmptyRequestIDAndPayload(t *testing.T) {
	f := frame{Type: frameShutdown}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["requestId"]; ok {
		t.Fatalf("expected requestId to be omitted, got %v", raw)
	}
	if _, ok := raw["payload"]; ok {
		t.Fatalf("expected payload to be omitted, got %v", raw)
	}
}

func TestBridgeCallPayloadRoundTrip(t *testing.T) {
	p := bridgeCallPayload{BridgeRequestID: "b1", Method: "llm_query", Args: json.RawMessage(`{"query":"hi"}`)}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded bridgeCallPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.BridgeRequestID != "b1" || decoded.Method != "llm_query" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestGetVarResultPayloadNotFound(t *testing.T) {
	p := getVarResultPayload{Found: false}
	data, _ := json.Marshal(p)
	var decoded getVarResultPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Found {
		t.Fatalf("expected Found to be false")
	}
	if len(decoded.Value) != 0 {
		t.Fatalf("expected empty value, got %s", decoded.Value)
	}
}
