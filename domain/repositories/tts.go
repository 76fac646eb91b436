package repositories

import "context"

// TextToSpeech abstracts speech synthesis services
type TextToSpeech interface {
	// ConvertTextToSpeech streams synthesized audio for text. The channel is
	// closed when synthesis ends or ctx is cancelled.
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error)
	// Synthesize returns the complete audio for text.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
