package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplex/adapters/llm"
	"github.com/satriahrh/duplex/adapters/stt"
	"github.com/satriahrh/duplex/adapters/tts"
	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/config"
)

const mockLatency = 150 * time.Millisecond

// providers holds the collaborators selected by configuration
type providers struct {
	STT     repositories.SpeechToText
	LLM     repositories.LargeLanguageModel
	TTS     repositories.TextToSpeech
	closers []io.Closer
}

func (p *providers) Close() {
	for _, c := range p.closers {
		_ = c.Close()
	}
}

func newProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*providers, error) {
	p := &providers{}

	switch cfg.Providers.STT {
	case "google":
		g, err := stt.NewGoogleSpeechToText(ctx, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create google speech client: %w", err)
		}
		p.STT = g
		p.closers = append(p.closers, g)
	case "mock":
		p.STT = stt.NewMockSpeechToText(logger)
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Providers.STT)
	}

	switch cfg.Providers.LLM {
	case "gemini":
		g, err := llm.NewGeminiLLM(ctx, llm.NewGeminiConfigFromEnv(), logger)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.LLM = g
	case "groq", "openai":
		oc := llm.NewGroqConfigFromEnv()
		if cfg.Providers.LLM == "openai" {
			oc = llm.NewOpenAIConfigFromEnv()
		}
		o, err := llm.NewOpenAILLM(oc, logger)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.LLM = o
	case "mock":
		p.LLM = llm.NewMockLLM(mockLatency, logger)
	default:
		p.Close()
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Providers.LLM)
	}

	switch cfg.Providers.TTS {
	case "elevenlabs":
		e, err := tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.TTS = e
	case "mock":
		p.TTS = tts.NewMockTextToSpeech(mockLatency, logger)
	default:
		p.Close()
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Providers.TTS)
	}

	return p, nil
}
