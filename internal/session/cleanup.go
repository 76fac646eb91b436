package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CleanupService periodically evicts idle sessions from the registry
type CleanupService struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewCleanupService creates a new session cleanup service
func NewCleanupService(registry *Registry, interval, maxIdle time.Duration, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		registry: registry,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *CleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started",
		zap.Duration("interval", s.interval),
		zap.Duration("maxIdle", s.maxIdle))
}

// Stop stops the cleanup loop and waits for a running pass to finish
func (s *CleanupService) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info("Session cleanup service stopped")
}

func (s *CleanupService) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs one cleanup pass
func (s *CleanupService) RunOnce() []string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	evicted := s.registry.CleanupIdle(ctx, s.maxIdle)
	if len(evicted) > 0 {
		s.logger.Info("Expired idle sessions", zap.Strings("sessionIDs", evicted))
	}
	return evicted
}
