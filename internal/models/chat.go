package models

import "errors"

// ErrChatNotFound is returned by stores for an unknown chat ID.
var ErrChatNotFound = errors.New("chat not found")

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads, plus the model the conversation was last sent to.
type Chat struct {
	ID    string
	Title string
	Model string
}

// Turn is a role-tagged message as it is sent to a completion source. Unlike Message it carries no
// streaming state, and its role may also be RoleSystem.
type Turn struct {
	Role    Role
	Content string
}

// Chunk is one incremental piece of a streamed completion.
type Chunk struct {
	// Text is the delta text. It may be empty, e.g. for keep-alive or usage-only chunks.
	Text string
	// Model is the model id reported by the provider, if any.
	Model string
	// Usage is only filled by providers that report token statistics, usually on the last chunk.
	Usage *Usage
}

// Usage holds token statistics of a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelInfo describes a model offered by the configured provider.
type ModelInfo struct {
	ID       string `json:"id"`
	OwnedBy  string `json:"ownedBy,omitempty"`
	Provider string `json:"provider"`
}
