package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"go.uber.org/zap"
)

type FeedHandler struct {
	src    Source
	logger *zap.Logger
}

func NewFeedHandler(src Source, logger *zap.Logger) *FeedHandler {
	return &FeedHandler{src: src, logger: logger}
}

// List handles GET /v1/feed?unread=true
func (h *FeedHandler) List(c *gin.Context) {
	f := h.src.Feed()
	if f == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not started"})
		return
	}
	unreadOnly := c.Query("unread") == "true"
	c.JSON(http.StatusOK, gin.H{
		"entries":      f.Entries(unreadOnly),
		"unread_count": f.UnreadCount(),
	})
}

// Consume handles POST /v1/feed/:entry/consume
//
// The entry id is "<kind>:<uuid>" as returned by List.
func (h *FeedHandler) Consume(c *gin.Context) {
	f := h.src.Feed()
	if f == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not started"})
		return
	}
	if err := f.MarkConsumed(c.Request.Context(), c.Param("entry")); err != nil {
		fail(c, h.logger, "consume feed entry", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Notifications handles GET /v1/notifications
func (h *FeedHandler) Notifications(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	list := r.Stores().Notifications.List()
	if list == nil {
		list = []models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

// ReadAll handles POST /v1/notifications/read-all
func (h *FeedHandler) ReadAll(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	if err := r.MarkAllNotificationsRead(c.Request.Context()); err != nil {
		fail(c, h.logger, "mark notifications read", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type courseInviteRequest struct {
	RecipientID uuid.UUID      `json:"recipient_id" binding:"required"`
	Payload     map[string]any `json:"payload"`
}

// CourseInvite handles POST /v1/notifications/course-invite
func (h *FeedHandler) CourseInvite(c *gin.Context) {
	var req courseInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	if err := r.SendCourseInvite(c.Request.Context(), req.RecipientID, req.Payload); err != nil {
		fail(c, h.logger, "send course invite", err)
		return
	}
	c.Status(http.StatusAccepted)
}
