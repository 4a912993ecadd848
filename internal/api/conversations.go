package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/reconcile"
	"go.uber.org/zap"
)

type ConversationHandler struct {
	src    Source
	logger *zap.Logger
}

func NewConversationHandler(src Source, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{src: src, logger: logger}
}

// List handles GET /v1/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": r.Stores().Conversations.List()})
}

// Candidates handles GET /v1/candidates
func (h *ConversationHandler) Candidates(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	users := r.Stores().Conversations.Candidates()
	if users == nil {
		users = []models.User{}
	}
	c.JSON(http.StatusOK, gin.H{"candidates": users})
}

type createConversationRequest struct {
	RecipientID uuid.UUID `json:"recipient_id" binding:"required"`
	Message     string    `json:"message" binding:"required"`
}

// Create handles POST /v1/conversations
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	id, err := r.CreateConversation(c.Request.Context(), req.RecipientID, req.Message)
	if err != nil {
		fail(c, h.logger, "create conversation", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// Delete handles DELETE /v1/conversations/:id
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id", "conversation")
	if !ok {
		return
	}
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	if err := r.DeleteConversation(c.Request.Context(), id); err != nil {
		fail(c, h.logger, "delete conversation", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Open handles POST /v1/conversations/:id/open
//
// Returns once the thread is loaded, so a following GET /v1/thread sees the
// messages.
func (h *ConversationHandler) Open(c *gin.Context) {
	id, ok := pathID(c, "id", "conversation")
	if !ok {
		return
	}
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	if err := r.OpenThread(c.Request.Context(), id); err != nil {
		fail(c, h.logger, "open thread", err)
		return
	}
	h.thread(c, r)
}

// MarkRead handles POST /v1/conversations/:id/read
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	id, ok := pathID(c, "id", "conversation")
	if !ok {
		return
	}
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	if err := r.MarkRead(c.Request.Context(), id); err != nil {
		fail(c, h.logger, "mark read", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Thread handles GET /v1/thread
func (h *ConversationHandler) Thread(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	h.thread(c, r)
}

func (h *ConversationHandler) thread(c *gin.Context, r *reconcile.Reconciler) {
	th := r.Stores().Thread
	open := th.OpenID()
	if open == uuid.Nil {
		c.JSON(http.StatusOK, gin.H{"open": false, "messages": []models.Message{}})
		return
	}
	msgs := th.Messages()
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"open":            true,
		"conversation_id": open,
		"loaded":          th.Loaded(),
		"messages":        msgs,
	})
}

// CloseThread handles POST /v1/thread/close
func (h *ConversationHandler) CloseThread(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	if err := r.CloseThread(c.Request.Context()); err != nil {
		fail(c, h.logger, "close thread", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Send handles POST /v1/conversations/:id/messages
//
// A failed delivery still answers with the message, status "failed", so the
// caller can retry it by client_id.
func (h *ConversationHandler) Send(c *gin.Context) {
	id, ok := pathID(c, "id", "conversation")
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	msg, err := r.Send(c.Request.Context(), id, req.Content)
	h.delivered(c, "send message", msg, err)
}

// Retry handles POST /v1/thread/messages/:client_id/retry
func (h *ConversationHandler) Retry(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	msg, err := r.Retry(c.Request.Context(), c.Param("client_id"))
	h.delivered(c, "retry message", msg, err)
}

func (h *ConversationHandler) delivered(c *gin.Context, op string, msg models.Message, err error) {
	if err != nil && msg.Status == models.StatusFailed {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to " + op, "message": msg})
		return
	}
	if err != nil {
		fail(c, h.logger, op, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func pathID(c *gin.Context, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " ID"})
		return uuid.Nil, false
	}
	return id, true
}
