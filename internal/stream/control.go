package stream

import (
	"encoding/json"
	"fmt"
	"log"
)

// The control sub-protocol rides on the same stdio channel as transcript
// lines. The response envelope nests a response object inside a response
// object, with snake_case keys on the envelope and camelCase keys on the
// inner payload. The CLI silently hangs if any field name or nesting level
// deviates, so the encoders below are covered by golden-literal tests.

// DefaultDenyMessage is used when a deny decision carries no reason.
const DefaultDenyMessage = "Denied by user"

type controlRequestBody struct {
	Subtype               string          `json:"subtype"`
	ToolName              string          `json:"tool_name"`
	ToolUseID             string          `json:"tool_use_id"`
	Input                 json.RawMessage `json:"input"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions"`
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
}

type allowPayload struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput"`
	ToolUseID    string          `json:"toolUseID"`
}

type denyPayload struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message"`
}

// DecodeControlRequest interprets a control_request line. Unknown request
// subtypes are logged and reported as not-ok; they must never block the pipe.
func DecodeControlRequest(raw rawLine) (*ApprovalRequest, bool) {
	if raw.Request == nil {
		return nil, false
	}
	var body controlRequestBody
	if err := json.Unmarshal(raw.Request, &body); err != nil {
		return nil, false
	}
	if body.Subtype != "can_use_tool" {
		log.Printf("stream: ignoring control_request subtype %q", body.Subtype)
		return nil, false
	}
	return &ApprovalRequest{
		RequestID:   raw.RequestID,
		ToolName:    body.ToolName,
		ToolUseID:   body.ToolUseID,
		Input:       body.Input,
		Suggestions: body.PermissionSuggestions,
	}, true
}

// EncodeAllow builds the control_response line granting a tool use.
// updatedInput must be the request's input, possibly edited by the approver.
// The returned line does not include the trailing newline.
func EncodeAllow(requestID, toolUseID string, updatedInput json.RawMessage) ([]byte, error) {
	if updatedInput == nil {
		updatedInput = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(allowPayload{
		Behavior:     "allow",
		UpdatedInput: updatedInput,
		ToolUseID:    toolUseID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal allow payload: %w", err)
	}
	return encodeResponse(requestID, payload)
}

// EncodeDeny builds the control_response line refusing a tool use.
func EncodeDeny(requestID, message string) ([]byte, error) {
	if message == "" {
		message = DefaultDenyMessage
	}
	payload, err := json.Marshal(denyPayload{
		Behavior: "deny",
		Message:  message,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal deny payload: %w", err)
	}
	return encodeResponse(requestID, payload)
}

func encodeResponse(requestID string, payload json.RawMessage) ([]byte, error) {
	line, err := json.Marshal(controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  payload,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal control_response: %w", err)
	}
	return line, nil
}
