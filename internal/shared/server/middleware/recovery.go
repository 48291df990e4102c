package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"autoapply-backend/internal/shared/server/respond"
	"autoapply-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500 envelope. A panic with
// http.ErrAbortHandler means the client is gone, so nothing is written.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				c.Abort()
				return
			}
			sessionID, _ := c.Get(SessionIDKey)
			telemetry.Error("http.panic", map[string]any{
				"request_id": RequestIDFromContext(c),
				"session_id": sessionID,
				"method":     c.Request.Method,
				"route":      c.FullPath(),
				"panic":      rec,
				"stack":      string(debug.Stack()),
			})
			if c.Writer.Written() {
				c.Abort()
				return
			}
			respond.Error(c, http.StatusInternalServerError, "internal_error", "Unexpected server error", nil)
		}()
		c.Next()
	}
}
