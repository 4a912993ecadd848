package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/repository"
)

var (
	_ repository.UserRepository          = (*Client)(nil)
	_ repository.ConversationRepository  = (*Client)(nil)
	_ repository.FriendRequestRepository = (*Client)(nil)
	_ repository.NotificationRepository  = notificationRepo{}
)

// ---------------------------------------------------------------
// Users
// ---------------------------------------------------------------

// Me handles GET /v1/users/me
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var u models.User
	if err := c.do(ctx, http.MethodGet, "/v1/users/me", nil, nil, &u); err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	return &u, nil
}

// ChatCandidates handles GET /v1/friends/candidates
func (c *Client) ChatCandidates(ctx context.Context) ([]models.User, error) {
	users := make([]models.User, 0)
	if err := c.do(ctx, http.MethodGet, "/v1/friends/candidates", nil, nil, &users); err != nil {
		return nil, fmt.Errorf("list chat candidates: %w", err)
	}
	return users, nil
}

// ---------------------------------------------------------------
// Conversations and messages
// ---------------------------------------------------------------

// List handles GET /v1/conversations
func (c *Client) List(ctx context.Context) ([]models.Conversation, error) {
	convs := make([]models.Conversation, 0)
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, nil, &convs); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// Thread handles GET /v1/conversations/:id/messages?with=<counterpart>
func (c *Client) Thread(ctx context.Context, conversationID, counterpartID uuid.UUID) ([]models.Message, error) {
	q := url.Values{}
	q.Set("with", counterpartID.String())

	msgs := make([]models.Message, 0)
	path := "/v1/conversations/" + conversationID.String() + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetch thread: %w", err)
	}
	for i := range msgs {
		if msgs[i].ConversationID == uuid.Nil {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

type sendMessageRequest struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Content     string    `json:"content"`
}

// Send handles POST /v1/messages
func (c *Client) Send(ctx context.Context, recipientID uuid.UUID, content string) (*repository.SendResult, error) {
	var res repository.SendResult
	req := sendMessageRequest{RecipientID: recipientID, Content: content}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", nil, req, &res); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if res.ID == 0 {
		return nil, fmt.Errorf("send message: server returned no message id")
	}
	return &res, nil
}

type createConversationRequest struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Message     string    `json:"message"`
}

type createConversationResponse struct {
	ID uuid.UUID `json:"id"`
}

// Create handles POST /v1/conversations
func (c *Client) Create(ctx context.Context, recipientID uuid.UUID, initialMessage string) (uuid.UUID, error) {
	var res createConversationResponse
	req := createConversationRequest{RecipientID: recipientID, Message: initialMessage}
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", nil, req, &res); err != nil {
		return uuid.Nil, fmt.Errorf("create conversation: %w", err)
	}
	return res.ID, nil
}

// Delete handles DELETE /v1/conversations/:id
func (c *Client) Delete(ctx context.Context, conversationID uuid.UUID) error {
	err := c.do(ctx, http.MethodDelete, "/v1/conversations/"+conversationID.String(), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		// Already gone: the outcome the caller asked for.
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------
// Friend requests
// ---------------------------------------------------------------

// ListPending handles GET /v1/friend-requests/pending
func (c *Client) ListPending(ctx context.Context) ([]models.FriendRequest, error) {
	reqs := make([]models.FriendRequest, 0)
	if err := c.do(ctx, http.MethodGet, "/v1/friend-requests/pending", nil, nil, &reqs); err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	return reqs, nil
}

type respondRequest struct {
	Action repository.Response `json:"action"`
}

// Respond handles POST /v1/friend-requests/:id/respond
func (c *Client) Respond(ctx context.Context, requestID uuid.UUID, response repository.Response) error {
	path := "/v1/friend-requests/" + requestID.String() + "/respond"
	if err := c.do(ctx, http.MethodPost, path, nil, respondRequest{Action: response}, nil); err != nil {
		return fmt.Errorf("respond to friend request: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------

// notificationRepo exposes the notification calls under the
// NotificationRepository method names; Client.List already lists conversations.
type notificationRepo struct {
	c *Client
}

// Notifications returns the NotificationRepository view of the client.
func (c *Client) Notifications() repository.NotificationRepository {
	return notificationRepo{c: c}
}

func (r notificationRepo) List(ctx context.Context, unreadOnly bool, limit int) ([]models.Notification, error) {
	return r.c.ListNotifications(ctx, unreadOnly, limit)
}

func (r notificationRepo) MarkRead(ctx context.Context, id uuid.UUID) error {
	return r.c.MarkNotificationRead(ctx, id)
}

func (r notificationRepo) MarkAllRead(ctx context.Context) error {
	return r.c.MarkAllNotificationsRead(ctx)
}

func (r notificationRepo) SendCourseInvite(ctx context.Context, recipientID uuid.UUID, payload map[string]any) error {
	return r.c.SendCourseInvite(ctx, recipientID, payload)
}

// ListNotifications handles GET /v1/notifications?unread_only=&limit=
func (c *Client) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]models.Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread_only", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	notes := make([]models.Notification, 0)
	if err := c.do(ctx, http.MethodGet, "/v1/notifications", q, nil, &notes); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	for i := range notes {
		notes[i].RefID = notes[i].Ref()
	}
	return notes, nil
}

// MarkNotificationRead handles POST /v1/notifications/:id/read
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID uuid.UUID) error {
	path := "/v1/notifications/" + notificationID.String() + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, nil); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead handles POST /v1/notifications/read-all
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/read-all", nil, nil, nil); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

type courseInviteRequest struct {
	RecipientID uuid.UUID      `json:"recipient_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
}

// SendCourseInvite handles POST /v1/notifications
func (c *Client) SendCourseInvite(ctx context.Context, recipientID uuid.UUID, payload map[string]any) error {
	req := courseInviteRequest{
		RecipientID: recipientID,
		Type:        string(models.NotificationCourseInvite),
		Payload:     payload,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications", nil, req, nil); err != nil {
		return fmt.Errorf("send course invite: %w", err)
	}
	return nil
}
