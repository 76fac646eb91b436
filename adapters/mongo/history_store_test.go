package mongo

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/domain/repositories"
)

func TestNewClientRequiresURI(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected an error without a URI")
	}
}

// TestHistoryStore_Integration requires a running MongoDB instance (skipped
// if MONGODB_URI is not set)
func TestHistoryStore_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	client, err := NewClient(ctx, Config{URI: mongoURI, Database: "duplex_test"}, logger)
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Close(ctx)
	defer client.Database.Drop(ctx)

	store := NewHistoryStore(client.Database, logger)
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		s := entities.NewSession("alice", "")
		s.AppendTurn(1, "hi", "hello", false)
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		// saving again replaces the snapshot
		s.AppendTurn(2, "how are you", "fine", true)
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(got.Messages) != 4 || !got.Messages[3].Metadata.Interrupted {
			t.Errorf("Unexpected messages %+v", got.Messages)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, repositories.ErrHistoryNotFound) {
			t.Errorf("Expected ErrHistoryNotFound, got %v", err)
		}
	})

	t.Run("ListByUser", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := store.Save(ctx, entities.NewSession("bob", "")); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}
		sessions, err := store.ListByUser(ctx, "bob", 2)
		if err != nil {
			t.Fatalf("ListByUser failed: %v", err)
		}
		if len(sessions) != 2 {
			t.Errorf("Expected 2 sessions, got %d", len(sessions))
		}
	})
}
