package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func requestIDRouter(seen *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/ping", func(c *gin.Context) {
		*seen = RequestIDFromContext(c)
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestRequestIDKeepsCallerToken(t *testing.T) {
	var seen string
	r := requestIDRouter(&seen)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "trace-abc.123")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if seen != "trace-abc.123" {
		t.Fatalf("expected caller id in context, got %q", seen)
	}
	if got := resp.Header().Get("X-Request-Id"); got != "trace-abc.123" {
		t.Fatalf("expected caller id echoed, got %q", got)
	}
}

func TestRequestIDReplacesMissingOrUnsafeIDs(t *testing.T) {
	for _, header := range []string{"", "has space", strings.Repeat("x", 200)} {
		var seen string
		r := requestIDRouter(&seen)

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if header != "" {
			req.Header.Set("X-Request-Id", header)
		}
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)

		if _, err := uuid.Parse(seen); err != nil {
			t.Fatalf("header %q: expected a minted uuid, got %q", header, seen)
		}
		if resp.Header().Get("X-Request-Id") != seen {
			t.Fatalf("header %q: response id does not match context", header)
		}
	}
}
