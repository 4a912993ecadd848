package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/chatsync/internal/feed"
	"github.com/lalith-99/chatsync/internal/middleware"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/observ"
	"github.com/lalith-99/chatsync/internal/reconcile"
	"github.com/lalith-99/chatsync/internal/repository/rest"
	"go.uber.org/zap"
)

// Source is the live session the API reads from. The reconciler and feed
// are looked up per request because a credential switch replaces them.
type Source interface {
	middleware.Principal
	Reconciler() *reconcile.Reconciler
	Feed() *feed.Feed
	ConnState() models.ConnState
	Switch(ctx context.Context, credential string) error
}

// NewRouter wires every route of the local view API.
func NewRouter(src Source, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(observ.GinLogger(logger), gin.Recovery())

	// Health is public so supervisors can probe the daemon without the
	// session credential.
	r.GET("/v1/health", func(c *gin.Context) {
		body := gin.H{
			"status":     "ok",
			"connection": src.ConnState().String(),
		}
		if id, ok := src.UserID(); ok {
			body["user_id"] = id
		}
		c.JSON(http.StatusOK, body)
	})

	convs := NewConversationHandler(src, logger)
	reqs := NewRequestHandler(src, logger)
	fd := NewFeedHandler(src, logger)
	changes := NewChangeStreamHandler(src, logger)
	sess := NewSessionHandler(src, logger)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(src))

	v1.GET("/conversations", convs.List)
	v1.POST("/conversations", convs.Create)
	v1.DELETE("/conversations/:id", convs.Delete)
	v1.GET("/candidates", convs.Candidates)
	v1.POST("/conversations/:id/open", convs.Open)
	v1.POST("/conversations/:id/read", convs.MarkRead)
	v1.POST("/conversations/:id/messages", convs.Send)
	v1.GET("/thread", convs.Thread)
	v1.POST("/thread/close", convs.CloseThread)
	v1.POST("/thread/messages/:client_id/retry", convs.Retry)

	v1.GET("/friend-requests", reqs.List)
	v1.POST("/friend-requests/:id/accept", reqs.Accept)
	v1.POST("/friend-requests/:id/decline", reqs.Decline)

	v1.GET("/feed", fd.List)
	v1.POST("/feed/:entry/consume", fd.Consume)
	v1.GET("/notifications", fd.Notifications)
	v1.POST("/notifications/read-all", fd.ReadAll)
	v1.POST("/notifications/course-invite", fd.CourseInvite)

	v1.GET("/changes", changes.Stream)
	v1.POST("/session/switch", sess.Switch)

	return r
}

// reconciler fetches the live reconciler or answers 503.
func reconciler(c *gin.Context, src Source) (*reconcile.Reconciler, bool) {
	r := src.Reconciler()
	if r == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not started"})
		return nil, false
	}
	return r, true
}

// fail maps an operation error to a status code. Upstream failures are
// logged; caller mistakes are not.
func fail(c *gin.Context, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, reconcile.ErrNotFound),
		errors.Is(err, feed.ErrUnknownEntry),
		errors.Is(err, rest.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, reconcile.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, rest.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "backend rejected the session credential"})
	case errors.Is(err, reconcile.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session is restarting"})
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		c.Status(499)
	default:
		logger.Error("request failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to " + op})
	}
}
