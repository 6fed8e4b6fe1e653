package stream

import (
	"encoding/json"
	"testing"
)

// capturedControlRequest is a literal control_request line captured from a
// real claude --permission-prompt-tool stdio session.
const capturedControlRequest = `{"type":"control_request","request_id":"req_011CRNYnu6Qd","request":{"subtype":"can_use_tool","tool_name":"Bash","tool_use_id":"toolu_01ABC","input":{"command":"ls /tmp","description":"List files"},"permission_suggestions":[{"type":"addRules","rules":[{"toolName":"Bash"}]}]}}`

func TestDecodeControlRequest_Captured(t *testing.T) {
	events := ParseLine([]byte(capturedControlRequest))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventApprovalPrompt {
		t.Fatalf("expected approval_prompt, got %s", ev.Kind)
	}
	req := ev.Approval
	if req == nil {
		t.Fatal("expected non-nil approval request")
	}
	if req.RequestID != "req_011CRNYnu6Qd" {
		t.Errorf("expected request id req_011CRNYnu6Qd, got %s", req.RequestID)
	}
	if req.ToolName != "Bash" {
		t.Errorf("expected tool Bash, got %s", req.ToolName)
	}
	if req.ToolUseID != "toolu_01ABC" {
		t.Errorf("expected tool_use_id toolu_01ABC, got %s", req.ToolUseID)
	}
	if req.Suggestions == nil {
		t.Error("expected permission suggestions to be preserved")
	}
}

func TestDecodeControlRequest_UnknownSubtype(t *testing.T) {
	line := `{"type":"control_request","request_id":"req_2","request":{"subtype":"interrupt"}}`
	events := ParseLine([]byte(line))
	if events != nil {
		t.Fatalf("expected unknown subtype to be ignored, got %v", events)
	}
}

func TestEncodeAllow_GoldenPayload(t *testing.T) {
	line, err := EncodeAllow("req_1", "toolu_01", json.RawMessage(`{"command":"ls /tmp"}`))
	if err != nil {
		t.Fatalf("EncodeAllow failed: %v", err)
	}

	want := `{"type":"control_response","response":{"subtype":"success","request_id":"req_1","response":{"behavior":"allow","updatedInput":{"command":"ls /tmp"},"toolUseID":"toolu_01"}}}`
	if string(line) != want {
		t.Errorf("allow payload mismatch\n got: %s\nwant: %s", line, want)
	}
}

func TestEncodeAllow_NilInput(t *testing.T) {
	line, err := EncodeAllow("req_1", "", nil)
	if err != nil {
		t.Fatalf("EncodeAllow failed: %v", err)
	}

	want := `{"type":"control_response","response":{"subtype":"success","request_id":"req_1","response":{"behavior":"allow","updatedInput":{},"toolUseID":""}}}`
	if string(line) != want {
		t.Errorf("allow payload mismatch\n got: %s\nwant: %s", line, want)
	}
}

func TestEncodeDeny_GoldenPayload(t *testing.T) {
	line, err := EncodeDeny("req_1", "user said no")
	if err != nil {
		t.Fatalf("EncodeDeny failed: %v", err)
	}

	want := `{"type":"control_response","response":{"subtype":"success","request_id":"req_1","response":{"behavior":"deny","message":"user said no"}}}`
	if string(line) != want {
		t.Errorf("deny payload mismatch\n got: %s\nwant: %s", line, want)
	}
}

func TestEncodeDeny_DefaultMessage(t *testing.T) {
	line, err := EncodeDeny("req_1", "")
	if err != nil {
		t.Fatalf("EncodeDeny failed: %v", err)
	}

	want := `{"type":"control_response","response":{"subtype":"success","request_id":"req_1","response":{"behavior":"deny","message":"Denied by user"}}}`
	if string(line) != want {
		t.Errorf("deny payload mismatch\n got: %s\nwant: %s", line, want)
	}
}

func TestEncodeAllow_RoundTripWithCapturedRequest(t *testing.T) {
	// Decoding a captured request and answering it must echo the request's
	// own correlation fields back verbatim.
	events := ParseLine([]byte(capturedControlRequest))
	if len(events) != 1 || events[0].Approval == nil {
		t.Fatal("expected a decoded approval request")
	}
	req := events[0].Approval

	line, err := EncodeAllow(req.RequestID, req.ToolUseID, req.Input)
	if err != nil {
		t.Fatalf("EncodeAllow failed: %v", err)
	}

	var resp struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior     string          `json:"behavior"`
				UpdatedInput json.RawMessage `json:"updatedInput"`
				ToolUseID    string          `json:"toolUseID"`
			} `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != "control_response" {
		t.Errorf("expected type control_response, got %s", resp.Type)
	}
	if resp.Response.Subtype != "success" {
		t.Errorf("expected subtype success, got %s", resp.Response.Subtype)
	}
	if resp.Response.RequestID != req.RequestID {
		t.Errorf("expected request id %s echoed, got %s", req.RequestID, resp.Response.RequestID)
	}
	if resp.Response.Response.Behavior != "allow" {
		t.Errorf("expected behavior allow, got %s", resp.Response.Response.Behavior)
	}
	if resp.Response.Response.ToolUseID != req.ToolUseID {
		t.Errorf("expected tool_use_id %s echoed, got %s", req.ToolUseID, resp.Response.Response.ToolUseID)
	}
}
