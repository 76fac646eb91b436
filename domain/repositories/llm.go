package repositories

import "context"

// LargeLanguageModel abstracts any chat/LLM provider that can stream a reply
type LargeLanguageModel interface {
	// StreamReply starts generating a reply to the last user message in req.
	// The returned stream yields text fragments in order.
	StreamReply(ctx context.Context, req ChatRequest) (ReplyStream, error)
}

// ReplyStream is a finite, lazily produced sequence of text fragments.
// Next returns io.EOF after the last fragment. Close aborts generation and
// may be called at any time, including concurrently with a blocked Next
// whose context has been cancelled.
type ReplyStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// ChatRequest is the conversation context handed to a generator
type ChatRequest struct {
	SessionID    string        `json:"session_id"`
	Instructions string        `json:"instructions"`
	History      []ChatMessage `json:"history"`
	UserText     string        `json:"user_text"`
	Language     string        `json:"language,omitempty"`
}

// ChatMessage represents a single message in a conversation
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role defines the type of message sender
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)
