package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeChatCreate:         true,
	TypeChatMessage:        true,
	TypeChatApproval:       true,
	TypeChatAutoApprove:    true,
	TypeChatStop:           true,
	TypeChatRequestHistory: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeChatCreate:
		var p ChatCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.WorkDir == "" {
			return nil, fmt.Errorf("missing required field 'workDir' in %s payload", msg.Type)
		}

	case TypeChatMessage:
		var p ChatMessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("missing required field 'chatId' in %s payload", msg.Type)
		}
		if p.Content == "" {
			return nil, fmt.Errorf("missing required field 'content' in %s payload", msg.Type)
		}

	case TypeChatApproval:
		var p ChatApprovalPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("missing required field 'chatId' in %s payload", msg.Type)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'requestId' in %s payload", msg.Type)
		}
		if p.Behavior != BehaviorAllow && p.Behavior != BehaviorDeny {
			return nil, fmt.Errorf("field 'behavior' must be %q or %q in %s payload", BehaviorAllow, BehaviorDeny, msg.Type)
		}

	case TypeChatAutoApprove:
		var p ChatAutoApprovePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("missing required field 'chatId' in %s payload", msg.Type)
		}

	case TypeChatStop, TypeChatRequestHistory:
		var p ChatIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("missing required field 'chatId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
