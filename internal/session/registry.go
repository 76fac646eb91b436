// Package session owns the live sessions of the service. Every mutation of
// a session runs under that session's guard, so the frame loop and the turn
// task of a connection never write concurrently.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/metrics"
)

// ErrSessionNotFound is returned for unknown ids
var ErrSessionNotFound = errors.New("session not found")

const snapshotTimeout = 5 * time.Second

// entry pairs a session with its serialization guard and the canceller of
// its active turn task.
type entry struct {
	mu      sync.Mutex
	session *entities.Session
	cancel  func()
	attach  uint64
}

// Stats summarises the registry for dashboards
type Stats struct {
	TotalSessions int     `json:"total_sessions"`
	ActiveTasks   int     `json:"active_tasks"`
	Speaking      int     `json:"currently_speaking"`
	AvgTTFTMs     float64 `json:"avg_ttft_ms"`
}

// Registry is a concurrency-safe map from session id to session state
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	store        repositories.HistoryStore
	metrics      *metrics.Metrics
	logger       *zap.Logger
	systemPrompt string
}

// NewRegistry creates an empty registry. store and m may be nil.
func NewRegistry(store repositories.HistoryStore, m *metrics.Metrics, systemPrompt string, logger *zap.Logger) *Registry {
	return &Registry{
		sessions:     make(map[string]*entry),
		store:        store,
		metrics:      m,
		logger:       logger,
		systemPrompt: systemPrompt,
	}
}

// Create registers a new session and returns a snapshot of it
func (r *Registry) Create(userID string) *entities.Session {
	s := entities.NewSession(userID, r.systemPrompt)

	r.mu.Lock()
	r.sessions[s.ID] = &entry{session: s}
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(count)
	r.logger.Info("Session created", zap.String("sessionID", s.ID), zap.String("userID", s.UserID))
	return s.Clone()
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Update runs fn on the session under its guard.
func (r *Registry) Update(id string, fn func(s *entities.Session)) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.session)
	return nil
}

// Get returns a snapshot of the session and refreshes its last activity
func (r *Registry) Get(id string) (*entities.Session, error) {
	var snapshot *entities.Session
	err := r.Update(id, func(s *entities.Session) {
		s.UpdateLastActive()
		snapshot = s.Clone()
	})
	return snapshot, err
}

// Peek returns a snapshot without touching last activity
func (r *Registry) Peek(id string) (*entities.Session, error) {
	var snapshot *entities.Session
	err := r.Update(id, func(s *entities.Session) {
		snapshot = s.Clone()
	})
	return snapshot, err
}

// Touch refreshes last activity
func (r *Registry) Touch(id string) error {
	return r.Update(id, func(s *entities.Session) {
		s.UpdateLastActive()
	})
}

// Resolve finds a session by full id or short id
func (r *Registry) Resolve(ref string) (*entities.Session, error) {
	if _, err := r.lookup(ref); err == nil {
		return r.Peek(ref)
	}

	// oldest match wins when short ids collide
	r.mu.RLock()
	var (
		matched string
		created time.Time
	)
	for id, e := range r.sessions {
		e.mu.Lock()
		ok := e.session.MatchesID(ref)
		at := e.session.CreatedAt
		e.mu.Unlock()
		if ok && (matched == "" || at.Before(created)) {
			matched, created = id, at
		}
	}
	r.mu.RUnlock()

	if matched == "" {
		return nil, ErrSessionNotFound
	}
	return r.Peek(matched)
}

// List returns snapshots of all sessions, oldest first
func (r *Registry) List() []*entities.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*entities.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove cancels any active task, drops the session and persists its
// snapshot. Persistence is best-effort.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	r.metrics.SetActiveSessions(count)

	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	if e.session.Status == entities.SessionStatusActive {
		e.session.Terminate()
	} else {
		e.session.IsPlaying = false
	}
	snapshot := e.session.Clone()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	r.persist(ctx, snapshot)
	r.logger.Info("Session removed",
		zap.String("sessionID", id),
		zap.String("status", string(snapshot.Status)),
		zap.Int("messages", len(snapshot.Messages)))
	return nil
}

func (r *Registry) persist(ctx context.Context, s *entities.Session) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()
	if err := r.store.Save(ctx, s); err != nil {
		r.logger.Error("Failed to persist session history", zap.String("sessionID", s.ID), zap.Error(err))
	}
}

// AppendTurn appends one (user, assistant) pair to history
func (r *Registry) AppendTurn(id string, turn int, user, assistant string, interrupted bool) error {
	return r.Update(id, func(s *entities.Session) {
		s.AppendTurn(turn, user, assistant, interrupted)
	})
}

// RecordTurnMetrics folds one turn's latencies into the running averages
func (r *Registry) RecordTurnMetrics(id string, l entities.TurnLatency) error {
	return r.Update(id, func(s *entities.Session) {
		s.Metrics.Record(l)
	})
}

// IncrementInterruptions counts a confirmed barge-in
func (r *Registry) IncrementInterruptions(id string) error {
	return r.Update(id, func(s *entities.Session) {
		s.Metrics.Interruptions++
	})
}

// SetPlaying sets the is_playing flag
func (r *Registry) SetPlaying(id string, playing bool) error {
	return r.Update(id, func(s *entities.Session) {
		s.IsPlaying = playing
	})
}

// IsPlaying reads the is_playing flag
func (r *Registry) IsPlaying(id string) bool {
	playing := false
	_ = r.Update(id, func(s *entities.Session) {
		playing = s.IsPlaying
	})
	return playing
}

// UpdateContext appends to or replaces the dynamic context
func (r *Registry) UpdateContext(id, text string, replace bool) error {
	return r.Update(id, func(s *entities.Session) {
		s.UpdateContext(text, replace)
		s.UpdateLastActive()
	})
}

// SetSystemPrompt replaces the system prompt
func (r *Registry) SetSystemPrompt(id, prompt string) error {
	return r.Update(id, func(s *entities.Session) {
		s.SystemPrompt = prompt
	})
}

// ClearHistory drops the conversation history
func (r *Registry) ClearHistory(id string) error {
	return r.Update(id, func(s *entities.Session) {
		s.ClearHistory()
	})
}

// Attach registers cancel as the canceller of the session's active turn
// task. The returned detach clears it only if no later Attach replaced it.
func (r *Registry) Attach(id string, cancel func()) (func(), error) {
	e, err := r.lookup(id)
	if err != nil {
		return func() {}, err
	}

	e.mu.Lock()
	e.attach++
	token := e.attach
	e.cancel = cancel
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		if e.attach == token {
			e.cancel = nil
		}
		e.mu.Unlock()
	}, nil
}

// CancelActive cancels the session's active turn task, if any. It does not
// wait for the task to unwind.
func (r *Registry) CancelActive(id string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// HasActiveTask reports whether a turn task is attached
func (r *Registry) HasActiveTask(id string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// CleanupIdle expires sessions idle for longer than maxIdle. Their active
// tasks are cancelled before removal. Returns the evicted ids.
func (r *Registry) CleanupIdle(ctx context.Context, maxIdle time.Duration) []string {
	now := time.Now()

	r.mu.RLock()
	var idle []string
	for id, e := range r.sessions {
		e.mu.Lock()
		if e.session.IdleFor(now) > maxIdle {
			e.session.Expire()
			idle = append(idle, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range idle {
		if err := r.Remove(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.logger.Warn("Failed to remove idle session", zap.String("sessionID", id), zap.Error(err))
		}
	}
	return idle
}

// Stats returns registry-wide counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalSessions: len(r.sessions)}
	var ttftSum float64
	var measured int
	for _, e := range r.sessions {
		e.mu.Lock()
		if e.cancel != nil {
			stats.ActiveTasks++
		}
		if e.session.IsPlaying {
			stats.Speaking++
		}
		if e.session.Metrics.MeasuredTurns > 0 {
			ttftSum += e.session.Metrics.AvgTTFTMs
			measured++
		}
		e.mu.Unlock()
	}
	if measured > 0 {
		stats.AvgTTFTMs = ttftSum / float64(measured)
	}
	return stats
}
