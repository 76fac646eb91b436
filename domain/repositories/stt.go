package repositories

import "context"

// SpeechToText abstracts speech recognition services
type SpeechToText interface {
	// TranscribeAudio converts a complete utterance to text. It must return
	// promptly once ctx is cancelled.
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (Transcript, error)
}

// StreamingSpeechToText is implemented by transcribers that can report
// interim hypotheses. Results arrive in order on the returned channel,
// which is closed after the final result or an error.
type StreamingSpeechToText interface {
	SpeechToText
	TranscribeStream(ctx context.Context, audioData []byte, config AudioConfig) (<-chan TranscriptResult, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// Transcript is the recognised text of one utterance
type Transcript struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranscriptResult is one element of a streaming transcription
type TranscriptResult struct {
	Transcript
	IsFinal bool
	Err     error
}
