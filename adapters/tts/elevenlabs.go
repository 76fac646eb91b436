package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultChunkSize    = 3200                   // 100ms of pcm_16000
	defaultOutputFormat = "pcm_16000"
	defaultModelID      = "eleven_flash_v2_5"
	defaultStability    = 0.5
	defaultClarity      = 0.75
	defaultTimeout      = 60 * time.Second
)

// ElevenLabsConfig configures the ElevenLabs synthesizer. Only APIKey is
// required; zero values take defaults.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	ChunkSize    int     // bytes per streamed chunk
	Stability    float64 // 0..1
	Clarity      float64 // 0..1, sent as similarity_boost
	Timeout      time.Duration
}

func (c ElevenLabsConfig) withDefaults() ElevenLabsConfig {
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.VoiceID == "" {
		c.VoiceID = defaultVoiceID
	}
	if c.ModelID == "" {
		c.ModelID = defaultModelID
	}
	if c.OutputFormat == "" {
		c.OutputFormat = defaultOutputFormat
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.Stability == 0 {
		c.Stability = defaultStability
	}
	if c.Clarity == 0 {
		c.Clarity = defaultClarity
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// ElevenLabsTTS synthesizes sentences through the ElevenLabs streaming
// endpoint
type ElevenLabsTTS struct {
	config ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

// ElevenLabsVoiceSettings is the voice_settings object of a request
type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// ElevenLabsRequest is the request body of the text-to-speech endpoint
type ElevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	LanguageCode           string                  `json:"language_code,omitempty"`
	VoiceSettings          ElevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	return nil
}

// NewElevenLabsTTS creates a synthesizer for config
func NewElevenLabsTTS(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	logger.Info("ElevenLabs synthesizer configured",
		zap.String("voiceID", config.VoiceID),
		zap.String("modelID", config.ModelID),
		zap.String("outputFormat", config.OutputFormat))

	return &ElevenLabsTTS{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// ConvertTextToSpeech streams synthesized audio in chunks. Request and
// status errors are returned before any audio is produced.
func (e *ElevenLabsTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	resp, err := e.openStream(ctx, text)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 10)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		e.pump(ctx, resp.Body, out)
	}()
	return out, nil
}

// pump forwards body to out in ChunkSize pieces until EOF, a read error or
// cancellation.
func (e *ElevenLabsTTS) pump(ctx context.Context, body io.Reader, out chan<- []byte) {
	var total, chunks int
	for {
		chunk := make([]byte, e.config.ChunkSize)
		n, err := io.ReadFull(body, chunk)
		if n > 0 {
			select {
			case out <- chunk[:n]:
			case <-ctx.Done():
				return
			}
			total += n
			chunks++
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			e.logger.Debug("Finished streaming audio", zap.Int("chunks", chunks), zap.Int("bytes", total))
			return
		default:
			if ctx.Err() == nil {
				e.logger.Error("Failed to read audio stream", zap.Error(err))
			}
			return
		}
	}
}

// Synthesize returns the complete audio for text
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := e.openStream(ctx, text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient("read synthesized audio", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("eleven labs returned no audio")
	}
	return data, nil
}

func (e *ElevenLabsTTS) openStream(ctx context.Context, text string) (*http.Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	cfg := e.config
	e.logger.Debug("Synthesizing sentence", zap.Int("chars", len(text)))

	body, err := sonic.Marshal(ElevenLabsRequest{
		Text:                   text,
		ModelID:                cfg.ModelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: ElevenLabsVoiceSettings{
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.Clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?%s", cfg.APIBaseURL, url.PathEscape(cfg.VoiceID),
		url.Values{"output_format": {cfg.OutputFormat}, "enable_logging": {"false"}}.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	accept := "audio/mpeg"
	if strings.HasPrefix(cfg.OutputFormat, "pcm") {
		accept = "audio/pcm"
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient("eleven labs request", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e.logger.Warn("ElevenLabs request rejected", zap.Int("statusCode", resp.StatusCode))
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

func classifyStatus(code int, detail string) error {
	err := fmt.Errorf("eleven labs returned status %d: %s", code, detail)
	if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
		return domain.Transient("eleven labs request", err)
	}
	return err
}

// NewElevenLabsConfigFromEnv reads ELEVEN_LABS_* variables. Malformed
// numbers are ignored and left to defaults.
func NewElevenLabsConfigFromEnv() ElevenLabsConfig {
	config := ElevenLabsConfig{
		APIKey:       os.Getenv("ELEVEN_LABS_API_KEY"),
		APIBaseURL:   os.Getenv("ELEVEN_LABS_API_BASE_URL"),
		VoiceID:      os.Getenv("ELEVEN_LABS_VOICE_ID"),
		ModelID:      os.Getenv("ELEVEN_LABS_MODEL_ID"),
		OutputFormat: os.Getenv("ELEVEN_LABS_OUTPUT_FORMAT"),
	}
	if v, err := strconv.Atoi(os.Getenv("ELEVEN_LABS_CHUNK_SIZE")); err == nil && v > 0 {
		config.ChunkSize = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("ELEVEN_LABS_STABILITY"), 64); err == nil && v >= 0 && v <= 1 {
		config.Stability = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("ELEVEN_LABS_CLARITY"), 64); err == nil && v >= 0 && v <= 1 {
		config.Clarity = v
	}
	if v, err := time.ParseDuration(os.Getenv("TTS_TIMEOUT")); err == nil && v > 0 {
		config.Timeout = v
	}
	return config
}
