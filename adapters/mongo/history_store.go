package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/domain/repositories"
)

const sessionsCollection = "sessions"

// HistoryStore persists finished sessions in MongoDB, one document per
// session keyed by its id
type HistoryStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a new MongoDB history store
func NewHistoryStore(db *mongo.Database, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{
		collection: db.Collection(sessionsCollection),
		logger:     logger,
	}
}

// EnsureIndexes creates the indexes used by ListByUser
func (r *HistoryStore) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "last_active_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}
	r.logger.Info("Session indexes created successfully")
	return nil
}

// Save upserts the snapshot of session
func (r *HistoryStore) Save(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": session.ID},
		session,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns the snapshot for id
func (r *HistoryStore) Get(ctx context.Context, id string) (*entities.Session, error) {
	if id == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	var session entities.Session
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrHistoryNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &session, nil
}

// ListByUser returns the user's sessions, most recent first
func (r *HistoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Session, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var sessions []*entities.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return sessions, nil
}
