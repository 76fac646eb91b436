package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/duplex/domain/entities"
)

// ErrHistoryNotFound is returned when no snapshot exists for an id
var ErrHistoryNotFound = errors.New("session history not found")

// HistoryStore persists snapshots of sessions once they leave the registry
type HistoryStore interface {
	Save(ctx context.Context, session *entities.Session) error
	Get(ctx context.Context, id string) (*entities.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Session, error)
}
