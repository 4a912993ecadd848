package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/chatsync/internal/auth"
	"go.uber.org/zap"
)

type SessionHandler struct {
	src    Source
	logger *zap.Logger
}

func NewSessionHandler(src Source, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{src: src, logger: logger}
}

type switchRequest struct {
	Credential string `json:"credential" binding:"required"`
}

// Switch handles POST /v1/session/switch
//
// Tears the session down and starts it again with a new credential. After
// this the old credential no longer opens the API.
func (h *SessionHandler) Switch(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := auth.ParseClaims(req.Credential, time.Now()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.src.Switch(c.Request.Context(), req.Credential); err != nil {
		fail(c, h.logger, "switch session", err)
		return
	}

	body := gin.H{"connection": h.src.ConnState().String()}
	if id, ok := h.src.UserID(); ok {
		body["user_id"] = id
	}
	c.JSON(http.StatusOK, body)
}
