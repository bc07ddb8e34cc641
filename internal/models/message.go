package models

import (
	"time"
)

// Message represents one turn of a conversation. User messages are immutable once created. Assistant
// messages start as an empty placeholder with IsStreaming set, are filled while the reply streams in,
// and are moved to a terminal state exactly once.
type Message struct {
	ID   string
	Role Role

	// Content is the visible answer. On failure it holds a human-readable error message instead.
	Content string
	// ThinkingContent is the text found inside thinking blocks.
	ThinkingContent string

	IsStreaming          bool
	IsThinkingInProgress bool
	ThinkingCompleted    bool
	IsInterrupted        bool

	IsError      bool
	ErrorType    ErrorType
	ErrorDetails string

	// ModelID is the model that produced an assistant message.
	ModelID   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

// ErrorType classifies why an assistant message failed.
type ErrorType string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used for turns sent to a completion source, never for stored messages.
	RoleSystem Role = "system"

	// ErrorTypeRateLimit means the provider throttled the request.
	ErrorTypeRateLimit ErrorType = "rate-limit"
	// ErrorTypePlanRestriction means the selected model is not available for the account.
	ErrorTypePlanRestriction ErrorType = "plan-restriction"
	// ErrorTypeEmptyStream means the provider closed the stream without producing any content.
	ErrorTypeEmptyStream ErrorType = "empty-stream"
	// ErrorTypeGeneric is any other failure.
	ErrorTypeGeneric ErrorType = "generic"
)

// ReplaceMessage returns a copy of messages where the entry with the same ID as msg is replaced. The
// original slice is never modified, so readers holding it keep a consistent view. The boolean is false
// if no message has that ID.
func ReplaceMessage(messages []Message, msg Message) ([]Message, bool) {
	for i := range messages {
		if messages[i].ID != msg.ID {
			continue
		}
		res := make([]Message, len(messages))
		copy(res, messages)
		res[i] = msg
		return res, true
	}
	return messages, false
}

// FindMessage returns the message with the given ID.
func FindMessage(messages []Message, id string) (Message, bool) {
	for _, m := range messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}
