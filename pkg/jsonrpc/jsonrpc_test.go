package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(1, MethodExecute, map[string]string{"command": "echo hi"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Request
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.JSONRPC != Version {
		t.Errorf("jsonrpc = %q, want %q", decoded.JSONRPC, Version)
	}
	if decoded.Method != MethodExecute {
		t.Errorf("method = %q, want %q", decoded.Method, MethodExecute)
	}

	var params map[string]string
	if err := decoded.ParseParams(&params); err != nil {
		t.Fatalf("ParseParams failed: %v", err)
	}
	if params["command"] != "echo hi" {
		t.Errorf("command = %q", params["command"])
	}
}

func TestNotificationHasNoID(t *testing.T) {
	n, err := NewNotification(NotificationHeartbeat, map[string]string{"ts": "now"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}

	data, _ := json.Marshal(n)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := raw["id"]; ok {
		t.Error("notifications must not carry an id field")
	}
}

func TestIsNotification(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"execute"}`), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !req.IsNotification() {
		t.Error("request without id should be a notification")
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"execute"}`), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if req.IsNotification() {
		t.Error("request with id is not a notification")
	}
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponse(3, CodeBusy, "session busy")

	data, _ := json.Marshal(resp)
	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Error == nil {
		t.Fatal("expected error field")
	}
	if decoded.Error.Code != CodeBusy {
		t.Errorf("code = %d, want %d", decoded.Error.Code, CodeBusy)
	}
	if decoded.Result != nil {
		t.Error("error responses must not carry a result")
	}
}

func TestParseParamsNilIsNoOp(t *testing.T) {
	req := Request{JSONRPC: Version, Method: MethodControl}
	var params struct {
		Type string `json:"type"`
	}
	if err := req.ParseParams(&params); err != nil {
		t.Fatalf("ParseParams on nil params failed: %v", err)
	}
	if params.Type != "" {
		t.Errorf("expected zero value, got %q", params.Type)
	}
}
