package bootstrap_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"autoapply-backend/internal/bootstrap"
	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/shared/config"
)

func buildApp(t *testing.T) *bootstrap.App {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Port:               "0",
		Env:                "dev",
		CORSAllowOrigin:    []string{"http://localhost:5173"},
		LocalStoreDir:      t.TempDir(),
		ObjectStoreType:    "local",
		DefaultTimezone:    "UTC",
		SimulatedPlatforms: []string{"linkedin"},
		RateLimitRPS:       100,
		RateLimitBurst:     100,
		SessionLeaseTTL:    30 * time.Second,
		Dispatch: config.DispatchConfig{
			SubmitTimeout:     time.Minute,
			SubmitMaxAttempts: 2,
			MaxQuotaWait:      time.Hour,
		},
	}

	app, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bootstrap build: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(ctx)
	})
	return app
}

func serve(app *bootstrap.App, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guest-Id", "guest-1")
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	app := buildApp(t)

	resp := serve(app, http.MethodGet, "/api/v1/health", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var health struct {
		OK       bool   `json:"ok"`
		Database string `json:"database"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.OK || health.Database != "memory" {
		t.Fatalf("unexpected health %+v", health)
	}

	resp = serve(app, http.MethodGet, "/metrics", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.Code)
	}
}

func TestSessionRunsThroughSimulatedPlatform(t *testing.T) {
	app := buildApp(t)
	app.Source.(*jobsource.MemorySource).Add(jobsource.Candidate{
		Platform:   "linkedin",
		ExternalID: "job-1",
		Title:      "Go Engineer",
		Company:    "Acme",
	})

	resp := serve(app, http.MethodPost, "/api/v1/automation/sessions", map[string]any{
		"targetPlatforms":   []string{"linkedin"},
		"dailyLimit":        3,
		"applicationsLimit": 3,
		"pacingSeconds":     0,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	resp = serve(app, http.MethodPost, "/api/v1/automation/sessions/"+created.SessionID+"/start", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from start, got %d: %s", resp.Code, resp.Body.String())
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp = serve(app, http.MethodGet, "/api/v1/automation/sessions/"+created.SessionID, nil)
		var got struct {
			Status           string `json:"status"`
			ApplicationsSent int    `json:"applicationsSent"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode session: %v", err)
		}
		if got.Status == "completed" {
			if got.ApplicationsSent != 1 {
				t.Fatalf("expected 1 application, got %d", got.ApplicationsSent)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not complete, last status %q", got.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp = serve(app, http.MethodGet, "/api/v1/me", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from /me, got %d", resp.Code)
	}
	var me struct {
		UserID         string `json:"userId"`
		IsGuest        bool   `json:"isGuest"`
		ActiveSessions int    `json:"activeSessions"`
		TotalSessions  int    `json:"totalSessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.UserID != "guest:guest-1" || !me.IsGuest || me.TotalSessions != 1 || me.ActiveSessions != 0 {
		t.Fatalf("unexpected identity %+v", me)
	}
}

func TestUnknownPlatformIsRejected(t *testing.T) {
	app := buildApp(t)
	resp := serve(app, http.MethodPost, "/api/v1/automation/sessions", map[string]any{
		"targetPlatforms":   []string{"myspace"},
		"dailyLimit":        3,
		"applicationsLimit": 3,
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
