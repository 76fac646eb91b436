// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/internal/audio"
	"github.com/satriahrh/duplex/internal/turn"
)

type Config struct {
	Port         string
	Env          string
	JWTSecret    string
	AuthRequired bool
	// APIKey guards token issuance. Empty leaves it open.
	APIKey   string
	TokenTTL time.Duration

	Audio     AudioConfig
	Utterance UtteranceConfig
	BargeIn   BargeInConfig
	Turn      TurnConfig
	Session   SessionConfig
	Providers ProviderConfig
	Mongo     MongoConfig
}

type AudioConfig struct {
	SampleRate          int
	Encoding            string
	Prefilter           string
	NoiseAlpha          float64
	ThresholdMultiplier float64
	MinSpeechFrames     int
	HangoverFrames      int
	LowFreq             float64
	HighFreq            float64
}

type UtteranceConfig struct {
	SilenceTimeout time.Duration
	MinDuration    time.Duration
	EarlyTrigger   time.Duration
	PreRoll        time.Duration
}

type BargeInConfig struct {
	IgnoreAfterTTS time.Duration
	MinSpeech      time.Duration
}

type TurnConfig struct {
	STTTimeout       time.Duration
	LLMTimeout       time.Duration
	TTSTimeout       time.Duration
	SynthConcurrency int
	HistoryWindow    int
	PartialSaveMode  turn.PartialSaveMode
	SystemPrompt     string
}

type SessionConfig struct {
	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
	ControlKeepalive time.Duration
}

type ProviderConfig struct {
	LLM string
	STT string
	TTS string
}

type MongoConfig struct {
	URI      string
	Database string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("APP_ENV", "production"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		AuthRequired: getEnvBool("AUTH_REQUIRED", false),
		APIKey:       getEnv("API_KEY", ""),
		TokenTTL:     getEnvDuration("TOKEN_TTL", 24*time.Hour),
		Audio: AudioConfig{
			SampleRate:          getEnvInt("AUDIO_SAMPLE_RATE", 16000),
			Encoding:            getEnv("AUDIO_ENCODING", string(audio.EncodingPCM16)),
			Prefilter:           getEnv("PREFILTER", audio.PrefilterHighPass),
			NoiseAlpha:          getEnvFloat("VAD_NOISE_ALPHA", 0.95),
			ThresholdMultiplier: getEnvFloat("VAD_THRESHOLD_MULTIPLIER", 2.0),
			MinSpeechFrames:     getEnvInt("VAD_MIN_SPEECH_FRAMES", 2),
			HangoverFrames:      getEnvInt("VAD_HANGOVER_FRAMES", 5),
			LowFreq:             getEnvFloat("VAD_LOW_FREQ", 100),
			HighFreq:            getEnvFloat("VAD_HIGH_FREQ", 3500),
		},
		Utterance: UtteranceConfig{
			SilenceTimeout: getEnvDuration("UTTERANCE_SILENCE_TIMEOUT", 700*time.Millisecond),
			MinDuration:    getEnvDuration("UTTERANCE_MIN_DURATION", 300*time.Millisecond),
			EarlyTrigger:   getEnvDuration("UTTERANCE_EARLY_TRIGGER", time.Second),
			PreRoll:        getEnvDuration("UTTERANCE_PRE_ROLL", 100*time.Millisecond),
		},
		BargeIn: BargeInConfig{
			IgnoreAfterTTS: getEnvDuration("BARGE_IGNORE_AFTER_TTS", 1500*time.Millisecond),
			MinSpeech:      getEnvDuration("BARGE_MIN_SPEECH", 500*time.Millisecond),
		},
		Turn: TurnConfig{
			STTTimeout:       getEnvDuration("STT_TIMEOUT", 10*time.Second),
			LLMTimeout:       getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			TTSTimeout:       getEnvDuration("TTS_TIMEOUT", 15*time.Second),
			SynthConcurrency: getEnvInt("SYNTH_CONCURRENCY", 2),
			HistoryWindow:    getEnvInt("HISTORY_WINDOW", 10),
			PartialSaveMode:  turn.PartialSaveMode(getEnv("PARTIAL_SAVE_MODE", string(turn.PartialSaveMarked))),
			SystemPrompt:     getEnv("SYSTEM_PROMPT", entities.DefaultSystemPrompt),
		},
		Session: SessionConfig{
			IdleTimeout:      getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			CleanupInterval:  getEnvDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute),
			ControlKeepalive: getEnvDuration("CONTROL_KEEPALIVE", 300*time.Second),
		},
		Providers: ProviderConfig{
			LLM: strings.ToLower(getEnv("LLM_PROVIDER", "mock")),
			STT: strings.ToLower(getEnv("STT_PROVIDER", "mock")),
			TTS: strings.ToLower(getEnv("TTS_PROVIDER", "mock")),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGODB_URI", ""),
			Database: getEnv("MONGODB_DATABASE", "duplex"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.AuthRequired && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_REQUIRED is true")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if _, err := audio.ParseEncoding(c.Audio.Encoding); err != nil {
		return err
	}
	if _, err := audio.NewPrefilter(c.Audio.Prefilter, c.Audio.SampleRate); err != nil {
		return err
	}
	if err := c.VAD().Validate(); err != nil {
		return fmt.Errorf("invalid VAD config: %w", err)
	}
	if err := c.Collector().Validate(); err != nil {
		return fmt.Errorf("invalid utterance config: %w", err)
	}
	if c.BargeIn.IgnoreAfterTTS < 0 || c.BargeIn.MinSpeech < 0 {
		return fmt.Errorf("barge-in durations must not be negative")
	}
	if c.Turn.STTTimeout <= 0 || c.Turn.LLMTimeout <= 0 || c.Turn.TTSTimeout <= 0 {
		return fmt.Errorf("provider timeouts must be positive")
	}
	if c.Turn.SynthConcurrency < 1 {
		return fmt.Errorf("SYNTH_CONCURRENCY must be at least 1, got %d", c.Turn.SynthConcurrency)
	}
	if c.Turn.HistoryWindow < 0 {
		return fmt.Errorf("HISTORY_WINDOW must not be negative, got %d", c.Turn.HistoryWindow)
	}
	switch c.Turn.PartialSaveMode {
	case turn.PartialSaveNone, turn.PartialSaveMarked:
	default:
		return fmt.Errorf("unknown PARTIAL_SAVE_MODE: %s", c.Turn.PartialSaveMode)
	}
	if c.Session.IdleTimeout <= 0 || c.Session.CleanupInterval <= 0 || c.Session.ControlKeepalive <= 0 {
		return fmt.Errorf("session timers must be positive")
	}
	return nil
}

// IsDevelopment reports whether APP_ENV selects development logging.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// VAD returns the detector settings for the configured sample rate.
func (c *Config) VAD() audio.VADConfig {
	v := audio.DefaultVADConfig()
	v.SampleRate = c.Audio.SampleRate
	v.NoiseAlpha = c.Audio.NoiseAlpha
	v.ThresholdMultiplier = c.Audio.ThresholdMultiplier
	v.MinSpeechFrames = c.Audio.MinSpeechFrames
	v.HangoverFrames = c.Audio.HangoverFrames
	v.LowFreq = c.Audio.LowFreq
	v.HighFreq = c.Audio.HighFreq
	return v
}

// Collector returns the utterance segmentation settings.
func (c *Config) Collector() audio.CollectorConfig {
	return audio.CollectorConfig{
		SampleRate:     c.Audio.SampleRate,
		SilenceTimeout: c.Utterance.SilenceTimeout,
		MinUtterance:   c.Utterance.MinDuration,
		EarlyTrigger:   c.Utterance.EarlyTrigger,
		PreRoll:        c.Utterance.PreRoll,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go durations ("700ms") or plain seconds ("1.5").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
