package stt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain/repositories"
)

// MockSpeechToText is a placeholder implementation for speech recognition.
// It picks a canned phrase by utterance size and streams it word by word as
// interim results.
type MockSpeechToText struct {
	logger *zap.Logger
}

var _ repositories.StreamingSpeechToText = (*MockSpeechToText)(nil)

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{
		logger: logger,
	}
}

// phraseFor mocks transcription based on audio size
func phraseFor(audioData []byte) string {
	switch {
	case len(audioData) > 64000:
		return "Hello there, can you tell me something interesting about the ocean?"
	case len(audioData) > 32000:
		return "What is the weather like today?"
	case len(audioData) > 8000:
		return "Hello!"
	default:
		return "Hi"
	}
}

// TranscribeStream implements repositories.StreamingSpeechToText
func (s *MockSpeechToText) TranscribeStream(ctx context.Context, audioData []byte, config repositories.AudioConfig) (<-chan repositories.TranscriptResult, error) {
	if len(audioData) == 0 {
		return nil, fmt.Errorf("no audio data received")
	}
	phrase := phraseFor(audioData)
	words := strings.Fields(phrase)

	out := make(chan repositories.TranscriptResult, len(words))
	for i := 1; i < len(words); i++ {
		out <- repositories.TranscriptResult{
			Transcript: repositories.Transcript{Text: strings.Join(words[:i], " "), Language: config.Language},
		}
	}
	out <- repositories.TranscriptResult{
		Transcript: repositories.Transcript{Text: phrase, Language: config.Language, Confidence: 0.9},
		IsFinal:    true,
	}
	close(out)
	return out, nil
}

// TranscribeAudio implements repositories.SpeechToText
func (s *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (repositories.Transcript, error) {
	s.logger.Info("Processing speech-to-text",
		zap.Int("audioSize", len(audioData)),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding))

	if err := ctx.Err(); err != nil {
		return repositories.Transcript{}, err
	}
	results, err := s.TranscribeStream(ctx, audioData, config)
	if err != nil {
		return repositories.Transcript{}, err
	}
	return collectFinal(results, config.Language)
}
