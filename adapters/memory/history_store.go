package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/domain/repositories"
)

var _ repositories.HistoryStore = (*HistoryStore)(nil)

// ErrNotFound is returned when no snapshot exists for an id
var ErrNotFound = repositories.ErrHistoryNotFound

// HistoryStore keeps session snapshots in memory. It is the default store
// when no database is configured.
type HistoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entities.Session
}

// NewHistoryStore creates an empty in-memory history store
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		sessions: make(map[string]*entities.Session),
	}
}

// Save stores a copy of the session, replacing any earlier snapshot
func (h *HistoryStore) Save(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[session.ID] = session.Clone()
	return nil
}

// Get returns the snapshot for id
func (h *HistoryStore) Get(ctx context.Context, id string) (*entities.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// ListByUser returns the user's snapshots, most recent first
func (h *HistoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Session, error) {
	h.mu.RLock()
	var out []*entities.Session
	for _, s := range h.sessions {
		if s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
