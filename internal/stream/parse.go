package stream

import (
	"bytes"
	"encoding/json"
	"log"
)

// taskToolName is the tool whose invocation spawns a nested agent run.
const taskToolName = "Task"

// rawLine covers the outer envelope of every known stdout line shape.
type rawLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// contentBlock is one element of a message's content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type messageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseLine classifies one line of the CLI's stdout into transcript events.
// A line carrying multiple content blocks expands into one event per block,
// preserving block order. Unparseable lines and unrecognized shapes return
// nil; ParseLine never fails.
func ParseLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil
	}

	switch raw.Type {
	case "system":
		if raw.Subtype == "init" {
			return []Event{{Kind: EventSystemInit, ConversationID: raw.SessionID}}
		}
		return nil

	case "assistant":
		return parseBlocks(raw.Message, "assistant")

	case "user":
		// The CLI encodes tool results as synthetic user turns; only text
		// blocks in a user message are actual user-authored content.
		return parseBlocks(raw.Message, "user")

	case "control_request":
		req, ok := DecodeControlRequest(raw)
		if !ok {
			return nil
		}
		return []Event{{Kind: EventApprovalPrompt, Approval: req}}

	case "result":
		return []Event{{
			Kind:           EventTurnCompletion,
			Outcome:        raw.Subtype,
			Text:           raw.Result,
			IsError:        raw.IsError,
			ConversationID: raw.SessionID,
		}}

	case "":
		return nil

	default:
		// Forward-compatibility: unknown line types are tolerated.
		log.Printf("stream: ignoring unknown line type %q", raw.Type)
		return nil
	}
}

// parseBlocks expands a message's content array into events, in block order.
func parseBlocks(message json.RawMessage, role string) []Event {
	if message == nil {
		return nil
	}
	var body messageBody
	if err := json.Unmarshal(message, &body); err != nil {
		return nil
	}

	// Content may be a bare string (plain user text) or a block array.
	var text string
	if err := json.Unmarshal(body.Content, &text); err == nil {
		if text == "" {
			return nil
		}
		kind := EventUserText
		if role == "assistant" {
			kind = EventAssistantText
		}
		return []Event{{Kind: kind, Text: text}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(body.Content, &blocks); err != nil {
		return nil
	}

	var events []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			kind := EventAssistantText
			if role == "user" {
				kind = EventUserText
			}
			events = append(events, Event{Kind: kind, Text: b.Text})

		case "thinking":
			events = append(events, Event{Kind: EventThinking, Text: b.Thinking})

		case "tool_use":
			if b.Name == taskToolName {
				events = append(events, Event{
					Kind:  EventAgentSpawn,
					Agent: parseAgentSpawn(b),
				})
				continue
			}
			events = append(events, Event{
				Kind:      EventToolInvocation,
				ToolName:  b.Name,
				ToolUseID: b.ID,
				ToolInput: b.Input,
			})

		case "tool_result":
			events = append(events, Event{
				Kind:      EventToolResult,
				ToolUseID: b.ToolUseID,
				Output:    flattenResultContent(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	return events
}

// parseAgentSpawn extracts the sub-agent descriptor from a Task tool_use block.
func parseAgentSpawn(b contentBlock) *AgentSpawn {
	spawn := &AgentSpawn{ToolUseID: b.ID}
	var input struct {
		SubagentType string `json:"subagent_type"`
		Description  string `json:"description"`
		Prompt       string `json:"prompt"`
	}
	if b.Input != nil && json.Unmarshal(b.Input, &input) == nil {
		spawn.AgentType = input.SubagentType
		spawn.Description = input.Description
		spawn.Prompt = input.Prompt
	}
	return spawn
}

// flattenResultContent renders a tool_result content field, which may be a
// plain string or an array of text blocks, as a single string.
func flattenResultContent(content json.RawMessage) string {
	if content == nil {
		return ""
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}
