package entities

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the status of a session
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusTerminated SessionStatus = "terminated"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// InterruptedMarker is appended to assistant text that was cut short by a
// cancellation.
const InterruptedMarker = "[interrupted]"

// ShortIDLength is the number of trailing characters of a session id used as
// its short id on the admin surface.
const ShortIDLength = 6

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = "You are a helpful voice assistant. Keep spoken responses extremely brief (1-2 sentences). If the user wants more detail, they will ask."

// SessionMessage represents a message within a session
type SessionMessage struct {
	Timestamp  time.Time              `json:"timestamp" bson:"timestamp"`
	Role       MessageRole            `json:"role" bson:"role"`
	Content    string                 `json:"content" bson:"content"`
	TurnNumber int                    `json:"turn_number" bson:"turn_number"`
	Metadata   SessionMessageMetadata `json:"metadata" bson:"metadata"`
}

// SessionMessageMetadata contains additional metadata for a message
type SessionMessageMetadata struct {
	Language    string `json:"language,omitempty" bson:"language,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty" bson:"interrupted,omitempty"`
}

// SessionMetadata contains session-level metadata
type SessionMetadata struct {
	Language string `json:"language" bson:"language"`
}

// Session is the conversational and metrics state of one connection.
// It is plain data: callers serialize access through the session registry.
type Session struct {
	ID             string           `json:"id" bson:"_id"`
	UserID         string           `json:"user_id" bson:"user_id"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
	LastActiveAt   time.Time        `json:"last_active_at" bson:"last_active_at"`
	Status         SessionStatus    `json:"status" bson:"status"`
	SystemPrompt   string           `json:"system_prompt" bson:"system_prompt"`
	DynamicContext string           `json:"dynamic_context,omitempty" bson:"dynamic_context,omitempty"`
	Messages       []SessionMessage `json:"messages" bson:"messages"`
	Metrics        SessionMetrics   `json:"metrics" bson:"metrics"`
	IsPlaying      bool             `json:"is_playing" bson:"-"`
	Metadata       SessionMetadata  `json:"metadata" bson:"metadata"`
}

// NewSession creates a new active session for a user
func NewSession(userID, systemPrompt string) *Session {
	if userID == "" {
		userID = "guest"
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
		Status:       SessionStatusActive,
		SystemPrompt: systemPrompt,
		Messages:     make([]SessionMessage, 0),
		Metadata: SessionMetadata{
			Language: "en",
		},
	}
}

// ShortID returns the trailing characters of the id shown on dashboards
func (s *Session) ShortID() string {
	if len(s.ID) <= ShortIDLength {
		return s.ID
	}
	return s.ID[len(s.ID)-ShortIDLength:]
}

// MatchesID reports whether ref is the full id or its short id
func (s *Session) MatchesID(ref string) bool {
	if ref == "" {
		return false
	}
	return s.ID == ref || (len(ref) >= ShortIDLength && strings.HasSuffix(s.ID, ref))
}

// AppendTurn appends the user and assistant messages of one turn as a pair.
func (s *Session) AppendTurn(turn int, user, assistant string, interrupted bool) {
	now := time.Now()
	s.Messages = append(s.Messages,
		SessionMessage{
			Timestamp:  now,
			Role:       MessageRoleUser,
			Content:    user,
			TurnNumber: turn,
		},
		SessionMessage{
			Timestamp:  now,
			Role:       MessageRoleAssistant,
			Content:    assistant,
			TurnNumber: turn,
			Metadata:   SessionMessageMetadata{Interrupted: interrupted},
		},
	)
	s.UpdateLastActive()
}

// UpdateLastActive updates the last active timestamp
func (s *Session) UpdateLastActive() {
	s.LastActiveAt = time.Now()
}

// IdleFor returns how long the session has been inactive at now
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}

// Terminate marks the session as terminated
func (s *Session) Terminate() {
	s.Status = SessionStatusTerminated
	s.IsPlaying = false
}

// Expire marks the session as expired
func (s *Session) Expire() {
	s.Status = SessionStatusExpired
	s.IsPlaying = false
}

// UpdateContext appends text to the dynamic context, or replaces it.
func (s *Session) UpdateContext(text string, replace bool) {
	text = strings.TrimSpace(text)
	if replace || s.DynamicContext == "" {
		s.DynamicContext = text
		return
	}
	if text == "" {
		return
	}
	s.DynamicContext = s.DynamicContext + "\n" + text
}

// Instructions returns the system prompt followed by any dynamic context
func (s *Session) Instructions() string {
	if s.DynamicContext == "" {
		return s.SystemPrompt
	}
	return s.SystemPrompt + "\n\n" + s.DynamicContext
}

// ClearHistory drops all messages
func (s *Session) ClearHistory() {
	s.Messages = make([]SessionMessage, 0)
}

// ConversationWindow returns a copy of the last n messages. A non-positive n
// returns the whole history.
func (s *Session) ConversationWindow(n int) []SessionMessage {
	msgs := s.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]SessionMessage, len(msgs))
	copy(out, msgs)
	return out
}

// LastMessage returns the content of the most recent message with role
func (s *Session) LastMessage(role MessageRole) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == role {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand out of the registry
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]SessionMessage, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.UserID == "" {
		return errors.New("user_id is required")
	}
	if s.Status != SessionStatusActive && s.Status != SessionStatusExpired && s.Status != SessionStatusTerminated {
		return errors.New("invalid session status")
	}
	return nil
}
