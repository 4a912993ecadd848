package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
	"github.com/lalith-99/chatsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a gin app standing in for the backend REST API.
type fakeBackend struct {
	mu      sync.Mutex
	auth    []string
	bodies  map[string]gin.H
	queries map[string]string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fb := &fakeBackend{bodies: map[string]gin.H{}, queries: map[string]string{}}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		fb.mu.Lock()
		fb.auth = append(fb.auth, c.GetHeader("Authorization"))
		fb.queries[c.FullPath()] = c.Request.URL.RawQuery
		if c.Request.ContentLength > 0 {
			var body gin.H
			_ = c.ShouldBindJSON(&body)
			fb.bodies[c.FullPath()] = body
		}
		fb.mu.Unlock()
		c.Next()
	})

	r.GET("/api/v1/users/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.User{ID: uuid.MustParse("00000000-0000-0000-0000-000000000007"), DisplayName: "Ana"})
	})
	r.GET("/api/v1/conversations/:id/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{{"id": 3, "content": "hi", "created_at": time.Unix(10, 0)}})
	})
	r.POST("/api/v1/messages", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"id": 42, "created_at": time.Unix(20, 0)})
	})
	r.DELETE("/api/v1/conversations/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	})
	r.POST("/api/v1/friend-requests/:id/respond", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/api/v1/notifications", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{{
			"id":         "5f0c6a52-9a43-4c9e-9d5e-0b0f5b3f2a11",
			"type":       "friend-request",
			"sender_id":  "00000000-0000-0000-0000-000000000007",
			"message":    "Ana sent you a friend request",
			"payload":    gin.H{"request_id": "1B4E28BA-2FA1-4D2B-883F-0016D3CCA427"},
			"created_at": time.Unix(30, 0),
		}})
	})
	r.POST("/api/v1/notifications/read-all", func(c *gin.Context) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token revoked"})
	})
	r.GET("/api/v1/friend-requests/pending", func(c *gin.Context) {
		c.String(http.StatusBadGateway, "<html>upstream unavailable</html>")
	})
	r.GET("/api/v1/friends/candidates", func(c *gin.Context) {
		c.String(http.StatusOK, "not json")
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{BaseURL: srv.URL + "/api/", Token: "cred", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return fb, client
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "/v1"})
	assert.Error(t, err)
}

func TestClient_MeSendsBearer(t *testing.T) {
	fb, client := newFakeBackend(t)

	me, err := client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ana", me.DisplayName)

	_, err = client.WithToken("other").Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer cred", "Bearer other"}, fb.auth)
}

func TestClient_ThreadFillsConversationID(t *testing.T) {
	fb, client := newFakeBackend(t)
	convID, with := uuid.New(), uuid.New()

	msgs, err := client.Thread(context.Background(), convID, with)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, convID, msgs[0].ConversationID)
	assert.Equal(t, "with="+with.String(), fb.queries["/api/v1/conversations/:id/messages"])
}

func TestClient_SendAndRespondBodies(t *testing.T) {
	fb, client := newFakeBackend(t)
	to := uuid.New()

	res, err := client.Send(context.Background(), to, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.ID)
	assert.Equal(t, "hello", fb.bodies["/api/v1/messages"]["content"])
	assert.Equal(t, to.String(), fb.bodies["/api/v1/messages"]["recipient_id"])

	require.NoError(t, client.Respond(context.Background(), uuid.New(), repository.ResponseReject))
	assert.Equal(t, "reject", fb.bodies["/api/v1/friend-requests/:id/respond"]["action"])
}

func TestClient_StatusErrors(t *testing.T) {
	_, client := newFakeBackend(t)

	// Deleting what is already gone is success.
	require.NoError(t, client.Delete(context.Background(), uuid.New()))

	err := client.MarkAllNotificationsRead(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, "token revoked", se.Message)

	_, err = client.ChatCandidates(context.Background())
	assert.ErrorContains(t, err, "decode")
}

func TestClient_NonJSONErrorBody(t *testing.T) {
	_, client := newFakeBackend(t)

	_, err := client.ListPending(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Empty(t, se.Message)
	assert.NotContains(t, err.Error(), "decode")
}

func TestClient_NotificationQuery(t *testing.T) {
	fb, client := newFakeBackend(t)

	list, err := client.Notifications().List(context.Background(), true, 50)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "limit=50&unread_only=true", fb.queries["/api/v1/notifications"])
}

func TestClient_NotificationRefFromPayload(t *testing.T) {
	_, client := newFakeBackend(t)

	list, err := client.ListNotifications(context.Background(), false, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1b4e28ba-2fa1-4d2b-883f-0016d3cca427", list[0].RefID)
	assert.Equal(t, "friend-request:1b4e28ba-2fa1-4d2b-883f-0016d3cca427", list[0].LogicalKey())
}
