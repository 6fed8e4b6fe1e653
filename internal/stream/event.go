// Package stream parses the NDJSON protocol spoken by the Claude CLI in
// --input-format/--output-format stream-json mode, and encodes/decodes the
// control sub-protocol used for tool permission prompts.
package stream

import "encoding/json"

// EventKind discriminates the variants of a transcript Event.
type EventKind string

const (
	EventUserText         EventKind = "user_text"
	EventAssistantText    EventKind = "assistant_text"
	EventThinking         EventKind = "thinking"
	EventToolInvocation   EventKind = "tool_invocation"
	EventToolResult       EventKind = "tool_result"
	EventAgentSpawn       EventKind = "agent_spawn"
	EventApprovalPrompt   EventKind = "approval_prompt"
	EventApprovalDecision EventKind = "approval_decision"
	EventTurnCompletion   EventKind = "turn_completion"
	EventSystemInit       EventKind = "system_init"
)

// Event is one parsed transcript entry. It is immutable once constructed
// and only the fields relevant to its Kind are populated.
type Event struct {
	Kind EventKind `json:"kind"`

	// Text for user_text, assistant_text, thinking, and the result line of
	// turn_completion.
	Text string `json:"text,omitempty"`

	// Tool fields for tool_invocation and tool_result.
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	// Agent carries the sub-agent descriptor for agent_spawn.
	Agent *AgentSpawn `json:"agent,omitempty"`

	// Approval carries the request for approval_prompt.
	Approval *ApprovalRequest `json:"approval,omitempty"`

	// Decision fields for approval_decision audit entries.
	RequestID string `json:"requestId,omitempty"`
	Behavior  string `json:"behavior,omitempty"`
	Auto      bool   `json:"auto,omitempty"`

	// Outcome subtype for turn_completion ("success", "error_during_execution", ...).
	Outcome string `json:"outcome,omitempty"`

	// ConversationID reported by system_init and turn_completion lines.
	ConversationID string `json:"conversationId,omitempty"`
}

// AgentSpawn describes a nested agent run launched via the Task tool.
type AgentSpawn struct {
	ToolUseID   string `json:"toolUseId"`
	AgentType   string `json:"agentType,omitempty"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// ApprovalRequest is a pending tool permission request from the CLI.
// RequestID is the correlation key for the control response.
type ApprovalRequest struct {
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	ToolUseID   string          `json:"toolUseId,omitempty"`
	Input       json.RawMessage `json:"input"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
}
