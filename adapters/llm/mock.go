package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain/repositories"
)

// MockLLM is a placeholder generator that streams a canned reply word by
// word
type MockLLM struct {
	logger *zap.Logger
	delay  time.Duration
}

var _ repositories.LargeLanguageModel = (*MockLLM)(nil)

// NewMockLLM creates a mock generator. delay is paused between words.
func NewMockLLM(delay time.Duration, logger *zap.Logger) *MockLLM {
	return &MockLLM{logger: logger, delay: delay}
}

// StreamReply implements repositories.LargeLanguageModel
func (m *MockLLM) StreamReply(ctx context.Context, req repositories.ChatRequest) (repositories.ReplyStream, error) {
	reply := MockReply(req.UserText, len(req.History))
	m.logger.Info("Generating mock reply",
		zap.String("sessionID", req.SessionID),
		zap.Int("history", len(req.History)))

	words := strings.SplitAfter(reply, " ")
	return newChanStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		for _, w := range words {
			if m.delay > 0 {
				select {
				case <-time.After(m.delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !emit(w) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

// MockReply is the text MockLLM produces for userText
func MockReply(userText string, history int) string {
	if strings.TrimSpace(userText) == "" {
		return "Hello! What would you like to talk about?"
	}
	if history == 0 {
		return fmt.Sprintf("You said: %s. Tell me more!", strings.TrimRight(userText, ".!? "))
	}
	return fmt.Sprintf("Got it, %s. Anything else?", strings.TrimRight(userText, ".!? "))
}
