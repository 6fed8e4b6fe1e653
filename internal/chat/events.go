package chat

import (
	"time"

	"claude-relay/internal/stream"
)

// EventKind distinguishes the three outward event kinds the registry emits.
type EventKind string

const (
	// EventTranscript carries one transcript entry for history and live replay.
	EventTranscript EventKind = "transcript"
	// EventStatus reports a lifecycle or turn state change.
	EventStatus EventKind = "status"
	// EventApproval is the out-of-band alert that a chat needs a human decision.
	EventApproval EventKind = "approval"
)

// Event is one outward event for the transport layer to broadcast.
type Event struct {
	ChatID    string                  `json:"chatId"`
	Kind      EventKind               `json:"kind"`
	Timestamp time.Time               `json:"timestamp"`
	Entry     *stream.Event           `json:"entry,omitempty"`
	Status    *StatusChange           `json:"status,omitempty"`
	Approval  *stream.ApprovalRequest `json:"approval,omitempty"`
}

// StatusChange is the payload of a status event.
type StatusChange struct {
	Lifecycle LifecycleStatus `json:"lifecycle"`
	Turn      TurnState       `json:"turn"`
	Detail    string          `json:"detail,omitempty"`
}
