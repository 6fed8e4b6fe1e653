package stream

import (
	"testing"
)

func TestParseLine_Garbage(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"not json",
		"{truncated",
		`[1,2,3]`,
		`{"no_type_field":true}`,
	}
	for _, in := range inputs {
		if events := ParseLine([]byte(in)); events != nil {
			t.Errorf("input %q: expected nil, got %v", in, events)
		}
	}
}

func TestParseLine_UnknownType(t *testing.T) {
	events := ParseLine([]byte(`{"type":"telemetry","data":123}`))
	if events != nil {
		t.Errorf("expected unknown type to be ignored, got %v", events)
	}
}

func TestParseLine_SystemInit(t *testing.T) {
	events := ParseLine([]byte(`{"type":"system","subtype":"init","session_id":"conv-42","tools":["Bash"]}`))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventSystemInit {
		t.Errorf("expected system_init, got %s", events[0].Kind)
	}
	if events[0].ConversationID != "conv-42" {
		t.Errorf("expected conversation id conv-42, got %s", events[0].ConversationID)
	}
}

func TestParseLine_SystemOtherSubtype(t *testing.T) {
	events := ParseLine([]byte(`{"type":"system","subtype":"compact_boundary"}`))
	if events != nil {
		t.Errorf("expected non-init system line to be ignored, got %v", events)
	}
}

func TestParseLine_AssistantMultiBlockOrder(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"thinking","thinking":"let me check"},` +
		`{"type":"text","text":"Listing files."},` +
		`{"type":"tool_use","id":"toolu_01","name":"Bash","input":{"command":"ls /tmp"}}]}}`

	events := ParseLine([]byte(line))
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != EventThinking || events[0].Text != "let me check" {
		t.Errorf("event 0: expected thinking, got %+v", events[0])
	}
	if events[1].Kind != EventAssistantText || events[1].Text != "Listing files." {
		t.Errorf("event 1: expected assistant text, got %+v", events[1])
	}
	if events[2].Kind != EventToolInvocation {
		t.Fatalf("event 2: expected tool_invocation, got %s", events[2].Kind)
	}
	if events[2].ToolName != "Bash" || events[2].ToolUseID != "toolu_01" {
		t.Errorf("event 2: unexpected tool fields %+v", events[2])
	}
}

func TestParseLine_ToolResultInsideUserMessage(t *testing.T) {
	// Tool results arrive wrapped in a user-typed outer message; they must
	// parse as tool results, not as human-authored text.
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_01","content":"file1\nfile2","is_error":false}]}}`

	events := ParseLine([]byte(line))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventToolResult {
		t.Fatalf("expected tool_result, got %s", events[0].Kind)
	}
	if events[0].ToolUseID != "toolu_01" {
		t.Errorf("expected tool_use_id toolu_01, got %s", events[0].ToolUseID)
	}
	if events[0].Output != "file1\nfile2" {
		t.Errorf("unexpected output %q", events[0].Output)
	}
}

func TestParseLine_ToolResultBlockArrayContent(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_02","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"is_error":true}]}}`

	events := ParseLine([]byte(line))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Output != "a\nb" {
		t.Errorf("expected flattened output, got %q", events[0].Output)
	}
	if !events[0].IsError {
		t.Error("expected is_error to be preserved")
	}
}

func TestParseLine_UserPlainText(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":"hello there"}}`
	events := ParseLine([]byte(line))
	if len(events) != 1 || events[0].Kind != EventUserText {
		t.Fatalf("expected user_text event, got %v", events)
	}
	if events[0].Text != "hello there" {
		t.Errorf("unexpected text %q", events[0].Text)
	}
}

func TestParseLine_TaskToolBecomesAgentSpawn(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"tool_use","id":"toolu_07","name":"Task","input":` +
		`{"subagent_type":"code-reviewer","description":"Review the diff","prompt":"Review changes in pkg/"}}]}}`

	events := ParseLine([]byte(line))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventAgentSpawn {
		t.Fatalf("expected agent_spawn, got %s", ev.Kind)
	}
	if ev.Agent == nil {
		t.Fatal("expected agent descriptor")
	}
	if ev.Agent.ToolUseID != "toolu_07" {
		t.Errorf("expected tool_use id toolu_07, got %s", ev.Agent.ToolUseID)
	}
	if ev.Agent.AgentType != "code-reviewer" {
		t.Errorf("expected agent type code-reviewer, got %s", ev.Agent.AgentType)
	}
	if ev.Agent.Description != "Review the diff" {
		t.Errorf("unexpected description %q", ev.Agent.Description)
	}
}

func TestParseLine_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"All done.","is_error":false,"session_id":"conv-42","total_cost_usd":0.02}`
	events := ParseLine([]byte(line))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventTurnCompletion {
		t.Fatalf("expected turn_completion, got %s", ev.Kind)
	}
	if ev.Outcome != "success" || ev.Text != "All done." || ev.IsError {
		t.Errorf("unexpected completion fields %+v", ev)
	}
}

func TestParseLine_SequenceOrderPreserved(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"c"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}}`,
		`not json at all`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"out"}]}}`,
		`{"type":"result","subtype":"success","result":"done"}`,
	}

	var got []EventKind
	var texts []string
	for _, l := range lines {
		for _, ev := range ParseLine([]byte(l)) {
			got = append(got, ev.Kind)
			texts = append(texts, ev.Text)
		}
	}

	want := []EventKind{EventSystemInit, EventAssistantText, EventAssistantText, EventToolResult, EventTurnCompletion}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if texts[1] != "one" || texts[2] != "two" {
		t.Errorf("intra-line block order not preserved: %v", texts)
	}
}
