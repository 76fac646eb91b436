package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/adapters/memory"
	"github.com/satriahrh/duplex/adapters/mongo"
	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/api"
	"github.com/satriahrh/duplex/internal/audio"
	"github.com/satriahrh/duplex/internal/auth"
	"github.com/satriahrh/duplex/internal/config"
	"github.com/satriahrh/duplex/internal/metrics"
	"github.com/satriahrh/duplex/internal/resilience"
	"github.com/satriahrh/duplex/internal/session"
	"github.com/satriahrh/duplex/internal/turn"
	"github.com/satriahrh/duplex/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not built yet
		panic(err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// History store: MongoDB when configured, memory otherwise
	var store repositories.HistoryStore = memory.NewHistoryStore()
	var mongoClient *mongo.Client
	if cfg.Mongo.URI != "" {
		mongoClient, err = mongo.NewClient(ctx, mongo.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		mongoStore := mongo.NewHistoryStore(mongoClient.Database, logger)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure history indexes", zap.Error(err))
		}
		store = mongoStore
	}

	// Sessions
	registry := session.NewRegistry(store, m, cfg.Turn.SystemPrompt, logger)
	cleanup := session.NewCleanupService(registry, cfg.Session.CleanupInterval, cfg.Session.IdleTimeout, logger)
	cleanup.Start()

	// Initialize adapters
	providers, err := newProviders(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize providers", zap.Error(err))
	}
	defer providers.Close()

	deps := turn.Dependencies{
		STT:      providers.STT,
		LLM:      providers.LLM,
		TTS:      providers.TTS,
		Registry: registry,
		Metrics:  m,
		Breaker:  resilience.NewBreaker(resilience.DefaultBreakerConfig("tts"), logger),
		Retry:    resilience.DefaultRetryConfig(),
		Logger:   logger,
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(websocket.HubConfig{
		Turn:             turnConfig(cfg),
		ControlKeepalive: cfg.Session.ControlKeepalive,
	}, deps, logger)
	go hub.Run(ctx)

	var issuer *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		issuer, err = auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			logger.Fatal("Failed to create token issuer", zap.Error(err))
		}
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.Options{
		Hub:          hub,
		Registry:     registry,
		Issuer:       issuer,
		AuthRequired: cfg.AuthRequired,
		APIKey:       cfg.APIKey,
		Gatherer:     reg,
		Logger:       logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("llm", cfg.Providers.LLM),
		zap.String("stt", cfg.Providers.STT),
		zap.String("tts", cfg.Providers.TTS),
		zap.Bool("authRequired", cfg.AuthRequired))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	cleanup.Stop()
	stop()

	if mongoClient != nil {
		_ = mongoClient.Close(shutdownCtx)
	}

	logger.Info("Server exited")
}

func turnConfig(cfg *config.Config) turn.Config {
	tc := turn.DefaultConfig()
	tc.SampleRate = cfg.Audio.SampleRate
	tc.Encoding = audio.Encoding(cfg.Audio.Encoding)
	tc.Prefilter = cfg.Audio.Prefilter
	tc.VAD = cfg.VAD()
	tc.Collector = cfg.Collector()
	tc.BargeIn = turn.BargeInConfig{
		IgnoreAfterTTS: cfg.BargeIn.IgnoreAfterTTS,
		MinSpeech:      cfg.BargeIn.MinSpeech,
	}
	tc.STTTimeout = cfg.Turn.STTTimeout
	tc.LLMTimeout = cfg.Turn.LLMTimeout
	tc.TTSTimeout = cfg.Turn.TTSTimeout
	tc.SynthConcurrency = cfg.Turn.SynthConcurrency
	tc.HistoryWindow = cfg.Turn.HistoryWindow
	tc.PartialSaveMode = cfg.Turn.PartialSaveMode
	return tc
}
