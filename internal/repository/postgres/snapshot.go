package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/repository"
)

// SnapshotStore keeps one warm-start snapshot per user. Each cache is one
// JSONB column: the snapshot is always read and written whole.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ repository.SnapshotRepository = (*SnapshotStore)(nil)

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

func (s *SnapshotStore) Load(ctx context.Context, userID uuid.UUID) (*repository.Snapshot, error) {
	query := `
		SELECT conversations, requests, notifications, saved_at
		FROM snapshots
		WHERE user_id = $1`

	var (
		convs, reqs, notifs []byte
		snap                repository.Snapshot
	)
	err := s.pool.QueryRow(ctx, query, userID).Scan(&convs, &reqs, &notifs, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}

	if err := json.Unmarshal(convs, &snap.Conversations); err != nil {
		return nil, fmt.Errorf("decode snapshot conversations: %w", err)
	}
	if err := json.Unmarshal(reqs, &snap.Requests); err != nil {
		return nil, fmt.Errorf("decode snapshot requests: %w", err)
	}
	if err := json.Unmarshal(notifs, &snap.Notifications); err != nil {
		return nil, fmt.Errorf("decode snapshot notifications: %w", err)
	}
	return &snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, userID uuid.UUID, snap *repository.Snapshot) error {
	convs, err := marshalList(snap.Conversations)
	if err != nil {
		return fmt.Errorf("encode snapshot conversations: %w", err)
	}
	reqs, err := marshalList(snap.Requests)
	if err != nil {
		return fmt.Errorf("encode snapshot requests: %w", err)
	}
	notifs, err := marshalList(snap.Notifications)
	if err != nil {
		return fmt.Errorf("encode snapshot notifications: %w", err)
	}

	// An older save finishing late must not overwrite a newer one.
	query := `
		INSERT INTO snapshots (user_id, conversations, requests, notifications, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET conversations = EXCLUDED.conversations,
		    requests      = EXCLUDED.requests,
		    notifications = EXCLUDED.notifications,
		    saved_at      = EXCLUDED.saved_at
		WHERE snapshots.saved_at <= EXCLUDED.saved_at`

	if _, err := s.pool.Exec(ctx, query, userID, convs, reqs, notifs, snap.SavedAt); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// marshalList encodes a nil slice as [] so the NOT NULL columns hold arrays.
func marshalList[T models.Conversation | models.FriendRequest | models.Notification](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}
