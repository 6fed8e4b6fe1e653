package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"claude-relay/internal/chat"
	"claude-relay/internal/stream"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeChatUpdate  = "chat.update"
	TypeChatEvent   = "chat.event"
	TypeChatHistory = "chat.history"
	TypeChatList    = "chat.list"
	TypeError       = "error"
)

// Client → Server message types.
const (
	TypeChatCreate         = "chat.create"
	TypeChatMessage        = "chat.message"
	TypeChatApproval       = "chat.approval"
	TypeChatAutoApprove    = "chat.autoApprove"
	TypeChatStop           = "chat.stop"
	TypeChatRequestHistory = "chat.requestHistory"
)

// Error codes.
const (
	ErrChatNotFound     = "CHAT_NOT_FOUND"
	ErrChatStopped      = "CHAT_STOPPED"
	ErrTurnInFlight     = "TURN_IN_FLIGHT"
	ErrApprovalNotFound = "APPROVAL_NOT_FOUND"
	ErrProcessGone      = "PROCESS_GONE"
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrMaxChats         = "MAX_CHATS"
	ErrSpawnFailed      = "SPAWN_FAILED"
)

// Approval behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Server → Client payloads.

// ChatUpdatePayload announces a chat's current snapshot, sent on creation
// and on every status change.
type ChatUpdatePayload struct {
	Chat chat.Info `json:"chat"`
}

// ChatEventPayload carries one live chat event.
type ChatEventPayload struct {
	Event chat.Event `json:"event"`
}

// ChatHistoryPayload replays a chat's transcript, rebuilt from the agent's
// on-disk record.
type ChatHistoryPayload struct {
	ChatID  string         `json:"chatId"`
	Entries []stream.Event `json:"entries"`
}

// ChatListPayload is sent once on connect.
type ChatListPayload struct {
	Chats []chat.Info `json:"chats"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type ChatCreatePayload struct {
	WorkDir              string                `json:"workDir"`
	Name                 string                `json:"name,omitempty"`
	SystemPrompt         string                `json:"systemPrompt,omitempty"`
	PermissionPolicy     chat.PermissionPolicy `json:"permissionPolicy,omitempty"`
	ResumeConversationID string                `json:"resumeConversationId,omitempty"`
}

type ChatMessagePayload struct {
	ChatID      string            `json:"chatId"`
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

type ChatApprovalPayload struct {
	ChatID       string          `json:"chatId"`
	RequestID    string          `json:"requestId"`
	Behavior     string          `json:"behavior"` // "allow" | "deny"
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

type ChatAutoApprovePayload struct {
	ChatID  string `json:"chatId"`
	Enabled bool   `json:"enabled"`
}

type ChatIDPayload struct {
	ChatID string `json:"chatId"`
}
