package tts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/audio"
)

const (
	mockSampleRate   = 16000
	mockPerCharacter = 40 * time.Millisecond
	mockChunkSamples = 1600
)

// MockTextToSpeech is a placeholder synthesizer that renders a quiet tone
// whose length follows the text
type MockTextToSpeech struct {
	logger *zap.Logger
	delay  time.Duration
}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

// NewMockTextToSpeech creates a mock synthesizer. delay simulates provider
// latency per request.
func NewMockTextToSpeech(delay time.Duration, logger *zap.Logger) *MockTextToSpeech {
	return &MockTextToSpeech{logger: logger, delay: delay}
}

// Synthesize implements repositories.TextToSpeech
func (t *MockTextToSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.logger.Debug("Processing text-to-speech", zap.Int("chars", len(text)))
	return audio.FloatToPCM16(tone(len([]rune(text)))), nil
}

// ConvertTextToSpeech implements repositories.TextToSpeech
func (t *MockTextToSpeech) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	pcm, err := t.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}

	chunkBytes := mockChunkSamples * 2
	out := make(chan []byte, len(pcm)/chunkBytes+1)
	for start := 0; start < len(pcm); start += chunkBytes {
		out <- pcm[start:min(start+chunkBytes, len(pcm))]
	}
	close(out)
	return out, nil
}

func tone(chars int) []float32 {
	n := int(time.Duration(chars) * mockPerCharacter * mockSampleRate / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.1 * math.Sin(2*math.Pi*440*float64(i)/mockSampleRate))
	}
	return samples
}
