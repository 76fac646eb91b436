package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/duplex/adapters/llm"
	"github.com/satriahrh/duplex/internal/audio"
	"github.com/satriahrh/duplex/internal/config"
	"github.com/satriahrh/duplex/internal/turn"
)

func TestNewProvidersMock(t *testing.T) {
	cfg := &config.Config{Providers: config.ProviderConfig{LLM: "mock", STT: "mock", TTS: "mock"}}
	p, err := newProviders(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newProviders failed: %v", err)
	}
	defer p.Close()

	if p.STT == nil || p.LLM == nil || p.TTS == nil {
		t.Fatalf("Expected all providers, got %+v", p)
	}
	if _, ok := p.LLM.(*llm.MockLLM); !ok {
		t.Errorf("Expected mock LLM, got %T", p.LLM)
	}
}

func TestNewProvidersRejectsUnknown(t *testing.T) {
	tests := []config.ProviderConfig{
		{LLM: "mock", STT: "whisper", TTS: "mock"},
		{LLM: "claude", STT: "mock", TTS: "mock"},
		{LLM: "mock", STT: "mock", TTS: "polly"},
	}
	for _, pc := range tests {
		cfg := &config.Config{Providers: pc}
		if _, err := newProviders(context.Background(), cfg, zaptest.NewLogger(t)); err == nil {
			t.Errorf("Expected error for %+v", pc)
		}
	}
}

func TestNewProvidersOpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := &config.Config{Providers: config.ProviderConfig{LLM: "openai", STT: "mock", TTS: "mock"}}
	if _, err := newProviders(context.Background(), cfg, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected error without an API key")
	}
}

func TestTurnConfig(t *testing.T) {
	cfg := &config.Config{
		Audio: config.AudioConfig{
			SampleRate:          8000,
			Encoding:            "mulaw",
			Prefilter:           "highpass",
			NoiseAlpha:          0.9,
			ThresholdMultiplier: 3,
			MinSpeechFrames:     2,
			HangoverFrames:      5,
			LowFreq:             100,
			HighFreq:            3500,
		},
		Utterance: config.UtteranceConfig{SilenceTimeout: 700 * time.Millisecond, MinDuration: 300 * time.Millisecond},
		BargeIn:   config.BargeInConfig{IgnoreAfterTTS: time.Second, MinSpeech: 400 * time.Millisecond},
		Turn: config.TurnConfig{
			STTTimeout:       time.Second,
			LLMTimeout:       2 * time.Second,
			TTSTimeout:       3 * time.Second,
			SynthConcurrency: 3,
			HistoryWindow:    4,
			PartialSaveMode:  "none",
		},
	}

	tc := turnConfig(cfg)
	if tc.SampleRate != 8000 || tc.Encoding != audio.EncodingMulaw || tc.Prefilter != "highpass" {
		t.Errorf("Unexpected audio settings %+v", tc)
	}
	if tc.VAD.SampleRate != 8000 || tc.VAD.ThresholdMultiplier != 3 {
		t.Errorf("Unexpected VAD settings %+v", tc.VAD)
	}
	if tc.Collector.SilenceTimeout != 700*time.Millisecond {
		t.Errorf("Unexpected collector settings %+v", tc.Collector)
	}
	if tc.BargeIn.MinSpeech != 400*time.Millisecond || tc.SynthConcurrency != 3 || tc.HistoryWindow != 4 {
		t.Errorf("Unexpected turn settings %+v", tc)
	}
	if tc.PartialSaveMode != turn.PartialSaveNone {
		t.Errorf("Expected partial save mode none, got %q", tc.PartialSaveMode)
	}
}
