package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Context keys for values the middleware stores in gin.Context. Handlers
// read them through the helpers below, never by string.
const (
	ContextKeyUserID     = "user_id"
	ContextKeyCredential = "credential"
)

// Principal is whoever the local API acts for. *session.Session implements
// it; the credential may change under a Switch, so it is read per request.
type Principal interface {
	Credential() string
	UserID() (uuid.UUID, bool)
}

// AuthMiddleware admits a request only if it carries the session's own
// credential as a bearer token.
//
// The view API exposes one user's private conversations on a local port.
// Other local processes must prove they hold the same credential the daemon
// syncs with. The compare is constant-time.
func AuthMiddleware(p Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Step 1: Get the Authorization header ("Bearer eyJhbGciOi...").
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		// Step 2: Extract the token string.
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}
		token := parts[1]

		// Step 3: Compare with the live session credential. An empty session
		// credential never matches.
		want := p.Credential()
		if want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid session credential",
			})
			return
		}

		// Step 4: Store who we act for. The user id is absent while the
		// session runs REST-only.
		c.Set(ContextKeyCredential, token)
		if id, ok := p.UserID(); ok {
			c.Set(ContextKeyUserID, id)
		}

		c.Next()
	}
}

func GetUserID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyUserID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetCredential(c *gin.Context) string {
	val, exists := c.Get(ContextKeyCredential)
	if !exists {
		return ""
	}
	cred, ok := val.(string)
	if !ok {
		return ""
	}
	return cred
}
