package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"autoapply-backend/internal/shared/auth"
	"autoapply-backend/internal/shared/server/respond"
)

const (
	identityKey = "identity"
	userIDKey   = "userId"

	guestHeader     = "X-Guest-Id"
	guestPrefix     = "guest:"
	maxGuestIDLen   = 64
	bearerSchemeLen = len("bearer ")
)

var (
	errNoIdentity   = errors.New("missing identity")
	errBadGuestID   = errors.New("invalid guest id")
	errBadAuthValue = errors.New("missing or invalid token")
)

// Identity is the caller resolved by Auth. Guests have no email or name.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Guest  bool
}

// Auth resolves the caller from a bearer JWT or, without an Authorization
// header, from X-Guest-Id. Preflight requests pass through untouched.
func Auth(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		id, err := identify(c.Request, tokens)
		if err != nil {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}
		c.Set(identityKey, id)
		c.Set(userIDKey, id.UserID)
		c.Next()
	}
}

func identify(r *http.Request, tokens *auth.Tokens) (Identity, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if tokens == nil || len(header) <= bearerSchemeLen || !strings.EqualFold(header[:bearerSchemeLen], "bearer ") {
			return Identity{}, errBadAuthValue
		}
		claims, err := tokens.Verify(strings.TrimSpace(header[bearerSchemeLen:]))
		if err != nil {
			return Identity{}, errBadAuthValue
		}
		return Identity{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
	}

	guestID := strings.TrimSpace(r.Header.Get(guestHeader))
	switch {
	case guestID == "":
		return Identity{}, errNoIdentity
	case !validGuestID(guestID):
		return Identity{}, errBadGuestID
	}
	return Identity{UserID: guestPrefix + guestID, Guest: true}, nil
}

func validGuestID(id string) bool {
	if len(id) > maxGuestIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// IdentityFromContext returns the caller stored by Auth.
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	if c == nil {
		return Identity{}, false
	}
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// UserIDFromContext returns the caller's user id, or "" before Auth ran.
func UserIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(userIDKey)
}
