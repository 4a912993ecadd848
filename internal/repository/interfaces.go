package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
)

// Every method takes ctx first: each one is a suspension point (a REST call
// or a database round trip) and must be cancellable by the caller. Closing a
// thread cancels its in-flight fetch through this context.

// UserRepository resolves who the session is and who it may chat with.
type UserRepository interface {
	// Me returns the user the session credential belongs to.
	Me(ctx context.Context) (*models.User, error)

	// ChatCandidates returns friends that are eligible for a new chat.
	ChatCandidates(ctx context.Context) ([]models.User, error)
}

// SendResult is the canonical identity the server assigns to a sent message.
type SendResult struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationRepository covers conversation and message calls.
type ConversationRepository interface {
	// List returns every conversation of the session.
	List(ctx context.Context) ([]models.Conversation, error)

	// Thread returns the messages of one conversation, oldest first.
	// The server marks the returned messages read for the caller.
	Thread(ctx context.Context, conversationID uuid.UUID, counterpartID uuid.UUID) ([]models.Message, error)

	// Send posts a message to the counterpart and returns its canonical id.
	Send(ctx context.Context, recipientID uuid.UUID, content string) (*SendResult, error)

	// Create opens a conversation with a first message and returns its id.
	Create(ctx context.Context, recipientID uuid.UUID, initialMessage string) (uuid.UUID, error)

	// Delete removes a conversation. Deleting twice is not an error.
	Delete(ctx context.Context, conversationID uuid.UUID) error
}

// Response is the answer to a friend request.
type Response string

const (
	ResponseAccept Response = "accept"
	ResponseReject Response = "reject"
)

// FriendRequestRepository covers the pending-request calls.
type FriendRequestRepository interface {
	ListPending(ctx context.Context) ([]models.FriendRequest, error)
	Respond(ctx context.Context, requestID uuid.UUID, response Response) error
}

// NotificationRepository covers system notifications.
type NotificationRepository interface {
	// List returns notifications newest first, capped at limit (0 = server default).
	List(ctx context.Context, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, notificationID uuid.UUID) error
	MarkAllRead(ctx context.Context) error

	// SendCourseInvite sends a course-invite style notification to a user.
	SendCourseInvite(ctx context.Context, recipientID uuid.UUID, payload map[string]any) error
}

// Snapshot is the persisted view of one session's caches, used to render
// something before the first REST sync completes.
type Snapshot struct {
	Conversations []models.Conversation
	Requests      []models.FriendRequest
	Notifications []models.Notification
	SavedAt       time.Time
}

// SnapshotRepository persists warm-start snapshots per user.
type SnapshotRepository interface {
	// Load returns nil, nil when nothing was saved for the user yet.
	Load(ctx context.Context, userID uuid.UUID) (*Snapshot, error)
	Save(ctx context.Context, userID uuid.UUID, snap *Snapshot) error
}
