package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/repository"
	"go.uber.org/zap"
)

// Local operations apply their optimistic effect on the loop, call the
// server from the caller's goroutine, and post the outcome back. Rollbacks
// use a context detached from the caller so a cancelled request still
// restores state.

// OpenThread makes id the open conversation, marks it read and loads its
// messages. Any previously open thread is evicted and its fetch cancelled.
func (r *Reconciler) OpenThread(ctx context.Context, id uuid.UUID) error {
	var (
		conv  models.Conversation
		found bool
		tctx  context.Context
	)
	err := r.submit(ctx, func() {
		conv, found = r.stores.Conversations.Get(id)
		if !found {
			return
		}
		r.cancelThread()
		r.stores.Thread.Open(id)
		r.threadCtx, r.threadCancel = context.WithCancel(r.runCtx)
		tctx = r.threadCtx
		r.emit(ScopeThread, id)
		if r.stores.Conversations.MarkRead(id, conv.LastActivityAt) {
			r.emit(ScopeConversations, id)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return notFound("conversation", id)
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tctx, cancel)
	defer stop()

	msgs, err := r.repos.Conversations.Thread(fctx, id, conv.Counterpart.ID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	return r.submit(context.WithoutCancel(ctx), func() { r.applyThread(id, msgs) })
}

// CloseThread evicts the open thread, if any.
func (r *Reconciler) CloseThread(ctx context.Context) error {
	return r.submit(ctx, r.closeThread)
}

// MarkRead clears the unread count of a conversation. Reading a thread marks
// it read on the server, so this is a thread fetch. Calling it on a
// conversation that is already read does nothing.
func (r *Reconciler) MarkRead(ctx context.Context, id uuid.UUID) error {
	var (
		prev    models.Conversation
		found   bool
		changed bool
		open    bool
	)
	err := r.submit(ctx, func() {
		prev, found = r.stores.Conversations.Get(id)
		if !found {
			return
		}
		changed = r.stores.Conversations.MarkRead(id, prev.LastActivityAt)
		if !changed {
			return
		}
		r.emit(ScopeConversations, id)
		if open = r.stores.Thread.OpenID() == id; open {
			r.fetch(fetchKey{kind: fetchThread, conv: id})
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return notFound("conversation", id)
	}
	if !changed || open {
		return nil
	}

	if _, err := r.repos.Conversations.Thread(ctx, id, prev.Counterpart.ID); err != nil {
		_ = r.submit(context.WithoutCancel(ctx), func() {
			if r.stores.Conversations.RestoreRead(id, prev.UnreadCount, prev.ReadMarker) {
				r.emit(ScopeConversations, id)
			}
		})
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

// Send appends an optimistic message to the open thread and delivers it. On
// success the local slot takes the canonical id; on failure it stays in the
// thread marked failed and can be retried.
func (r *Reconciler) Send(ctx context.Context, conversationID uuid.UUID, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	var (
		local     models.Message
		recipient uuid.UUID
		found     bool
	)
	err := r.submit(ctx, func() {
		c, ok := r.stores.Conversations.Get(conversationID)
		if !ok {
			return
		}
		found = true
		recipient = c.Counterpart.ID
		local = models.Message{
			ClientID:       "tmp-" + uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       r.userID,
			Content:        content,
			CreatedAt:      r.now(),
			Status:         models.StatusSent,
			Own:            true,
		}
		if r.stores.Thread.AppendLocal(local) {
			r.emit(ScopeThread, conversationID)
		}
		if r.stores.Conversations.Touch(conversationID, content) {
			r.emit(ScopeConversations, conversationID)
		}
	})
	if err != nil {
		return models.Message{}, err
	}
	if !found {
		return models.Message{}, notFound("conversation", conversationID)
	}
	return r.deliver(ctx, local, recipient)
}

// Retry re-sends a failed message in place.
func (r *Reconciler) Retry(ctx context.Context, clientID string) (models.Message, error) {
	var (
		local     models.Message
		recipient uuid.UUID
		found     bool
	)
	err := r.submit(ctx, func() {
		m, ok := r.stores.Thread.Find(clientID)
		if !ok || m.Status != models.StatusFailed {
			return
		}
		c, ok := r.stores.Conversations.Get(m.ConversationID)
		if !ok {
			return
		}
		found = true
		recipient = c.Counterpart.ID
		local = m
		local.Status = models.StatusSent
		if r.stores.Thread.SetStatus(clientID, models.StatusSent) {
			r.emit(ScopeThread, m.ConversationID)
		}
	})
	if err != nil {
		return models.Message{}, err
	}
	if !found {
		return models.Message{}, fmt.Errorf("failed message %s: %w", clientID, ErrNotFound)
	}
	return r.deliver(ctx, local, recipient)
}

func (r *Reconciler) deliver(ctx context.Context, local models.Message, recipient uuid.UUID) (models.Message, error) {
	res, err := r.repos.Conversations.Send(ctx, recipient, local.Content)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		local.Status = models.StatusFailed
		_ = r.submit(bg, func() {
			if r.stores.Thread.MarkFailed(local.ClientID) {
				r.emit(ScopeThread, local.ConversationID)
			}
		})
		r.logger.Warn("send failed", zap.String("client_id", local.ClientID), zap.Error(err))
		return local, fmt.Errorf("send message: %w", err)
	}

	confirmed := local
	confirmed.ID = res.ID
	confirmed.ClientID = ""
	if !res.CreatedAt.IsZero() {
		confirmed.CreatedAt = res.CreatedAt
	}
	_ = r.submit(bg, func() {
		if r.stores.Thread.Confirm(local.ClientID, res.ID, res.CreatedAt) {
			r.emit(ScopeThread, local.ConversationID)
		}
		r.schedule(fetchKey{kind: fetchConversations})
	})
	return confirmed, nil
}

// CreateConversation starts a conversation with recipientID and refreshes
// the conversation list.
func (r *Reconciler) CreateConversation(ctx context.Context, recipientID uuid.UUID, initialMessage string) (uuid.UUID, error) {
	if recipientID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("create conversation: recipient is required")
	}
	if strings.TrimSpace(initialMessage) == "" {
		return uuid.Nil, ErrEmptyMessage
	}
	id, err := r.repos.Conversations.Create(ctx, recipientID, initialMessage)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create conversation: %w", err)
	}
	_ = r.submit(context.WithoutCancel(ctx), func() {
		r.fetch(fetchKey{kind: fetchConversations})
		r.schedule(fetchKey{kind: fetchCandidates})
	})
	return id, nil
}

// DeleteConversation removes the conversation locally first. A failed server
// delete restores it.
func (r *Reconciler) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	var (
		prev  models.Conversation
		found bool
	)
	err := r.submit(ctx, func() {
		if prev, found = r.stores.Conversations.Get(id); found {
			r.removeConversation(id)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return notFound("conversation", id)
	}

	if err := r.repos.Conversations.Delete(ctx, id); err != nil {
		_ = r.submit(context.WithoutCancel(ctx), func() {
			r.stores.Conversations.Restore(prev)
			r.emit(ScopeConversations, id)
		})
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Accept answers a pending friend request and refreshes chat candidates.
func (r *Reconciler) Accept(ctx context.Context, requestID uuid.UUID) error {
	return r.respond(ctx, requestID, repository.ResponseAccept)
}

// Decline rejects a pending friend request.
func (r *Reconciler) Decline(ctx context.Context, requestID uuid.UUID) error {
	return r.respond(ctx, requestID, repository.ResponseReject)
}

func (r *Reconciler) respond(ctx context.Context, id uuid.UUID, resp repository.Response) error {
	var (
		req   models.FriendRequest
		found bool
	)
	err := r.submit(ctx, func() {
		if req, found = r.stores.Requests.Respond(id); found {
			r.emit(ScopeRequests, uuid.Nil)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return notFound("friend request", id)
	}

	if err := r.repos.Requests.Respond(ctx, id, resp); err != nil {
		_ = r.submit(context.WithoutCancel(ctx), func() {
			r.stores.Requests.Restore(req)
			r.emit(ScopeRequests, uuid.Nil)
		})
		return fmt.Errorf("respond to friend request: %w", err)
	}
	if resp == repository.ResponseAccept {
		_ = r.submit(context.WithoutCancel(ctx), func() {
			r.schedule(fetchKey{kind: fetchCandidates})
		})
	}
	return nil
}

// MarkNotificationRead flags one notification read. Notifications the server
// has not reported yet are only marked locally.
func (r *Reconciler) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	var (
		found   bool
		changed bool
		local   bool
	)
	err := r.submit(ctx, func() {
		var n models.Notification
		if n, found = r.stores.Notifications.Find(id); !found {
			return
		}
		local = n.Local
		if changed = r.stores.Notifications.MarkRead(id); changed {
			r.emit(ScopeNotifications, uuid.Nil)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return notFound("notification", id)
	}
	if !changed || local {
		return nil
	}

	if err := r.repos.Notifications.MarkRead(ctx, id); err != nil {
		_ = r.submit(context.WithoutCancel(ctx), func() {
			r.stores.Notifications.SetRead(id, false)
			r.emit(ScopeNotifications, uuid.Nil)
		})
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead flags every notification read.
func (r *Reconciler) MarkAllNotificationsRead(ctx context.Context) error {
	var ids []uuid.UUID
	err := r.submit(ctx, func() {
		if ids = r.stores.Notifications.MarkAllRead(); len(ids) > 0 {
			r.emit(ScopeNotifications, uuid.Nil)
		}
	})
	if err != nil {
		return err
	}

	if err := r.repos.Notifications.MarkAllRead(ctx); err != nil {
		_ = r.submit(context.WithoutCancel(ctx), func() {
			for _, id := range ids {
				r.stores.Notifications.SetRead(id, false)
			}
			if len(ids) > 0 {
				r.emit(ScopeNotifications, uuid.Nil)
			}
		})
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// SendCourseInvite sends a course-invite notification to another user.
func (r *Reconciler) SendCourseInvite(ctx context.Context, recipientID uuid.UUID, payload map[string]any) error {
	if recipientID == uuid.Nil {
		return fmt.Errorf("send course invite: recipient is required")
	}
	if err := r.repos.Notifications.SendCourseInvite(ctx, recipientID, payload); err != nil {
		return fmt.Errorf("send course invite: %w", err)
	}
	return nil
}
