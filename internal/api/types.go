package api

import (
	"time"

	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/internal/session"
)

// TokenRequest represents the request payload for token issuance
type TokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// TokenResponse represents the response payload for token issuance
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
}

// UpdateContextRequest replaces the system prompt of a session
type UpdateContextRequest struct {
	SessionID string `json:"session_id"`
	Context   string `json:"context"`
}

// SessionSummary is one row of the dashboard
type SessionSummary struct {
	SessionID      string                  `json:"session_id"`
	ShortID        string                  `json:"short_id"`
	UserID         string                  `json:"user_id"`
	Status         entities.SessionStatus  `json:"status"`
	IsPlaying      bool                    `json:"is_playing"`
	CreatedAt      time.Time               `json:"created_at"`
	LastActiveAt   time.Time               `json:"last_active_at"`
	Messages       int                     `json:"message_count"`
	LastTranscript string                  `json:"last_transcript"`
	LastResponse   string                  `json:"last_response"`
	Metrics        entities.SessionMetrics `json:"metrics"`
}

// StatsResponse is returned by the dashboard stats endpoint
type StatsResponse struct {
	session.Stats
	Sessions []SessionSummary `json:"sessions"`
}

// HistoryResponse carries the conversation of one session
type HistoryResponse struct {
	SessionID      string                    `json:"session_id"`
	SystemPrompt   string                    `json:"system_prompt"`
	DynamicContext string                    `json:"dynamic_context,omitempty"`
	Messages       []entities.SessionMessage `json:"messages"`
	Metrics        entities.SessionMetrics   `json:"metrics"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
