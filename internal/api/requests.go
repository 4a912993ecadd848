package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/chatsync/internal/models"
	"go.uber.org/zap"
)

type RequestHandler struct {
	src    Source
	logger *zap.Logger
}

func NewRequestHandler(src Source, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{src: src, logger: logger}
}

// List handles GET /v1/friend-requests
func (h *RequestHandler) List(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	reqs := r.Stores().Requests.List()
	if reqs == nil {
		reqs = []models.FriendRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// Accept handles POST /v1/friend-requests/:id/accept
func (h *RequestHandler) Accept(c *gin.Context) {
	h.respond(c, true)
}

// Decline handles POST /v1/friend-requests/:id/decline
func (h *RequestHandler) Decline(c *gin.Context) {
	h.respond(c, false)
}

func (h *RequestHandler) respond(c *gin.Context, accept bool) {
	id, ok := pathID(c, "id", "request")
	if !ok {
		return
	}
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}

	var err error
	op := "decline request"
	if accept {
		op = "accept request"
		err = r.Accept(c.Request.Context(), id)
	} else {
		err = r.Decline(c.Request.Context(), id)
	}
	if err != nil {
		fail(c, h.logger, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}
