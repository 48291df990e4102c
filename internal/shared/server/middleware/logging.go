package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"autoapply-backend/internal/shared/telemetry"
)

// SessionIDKey is the context key handlers use to tag a request with a session.
const SessionIDKey = "sessionId"

// Logging emits one structured line per completed request. Server errors log
// at error level; everything else at info.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := map[string]any{
			"request_id":  RequestIDFromContext(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"route":       c.FullPath(),
			"status":      c.Writer.Status(),
			"bytes":       c.Writer.Size(),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			"session_id":  c.GetString(SessionIDKey),
			"client_ip":   c.ClientIP(),
		}
		if id, ok := IdentityFromContext(c); ok {
			fields["user_id"] = id.UserID
			fields["is_guest"] = id.Guest
		} else {
			fields["user_id"] = ""
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			telemetry.Error("request.complete", fields)
			return
		}
		telemetry.Info("request.complete", fields)
	}
}
