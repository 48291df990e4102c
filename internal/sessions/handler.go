package sessions

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"autoapply-backend/internal/shared/server/middleware"
	"autoapply-backend/internal/shared/server/respond"
	"autoapply-backend/internal/shared/telemetry"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler exposes the Control API over HTTP.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches automation routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/automation")
	g.POST("/sessions", h.create)
	g.GET("/sessions", h.list)

	one := g.Group("/sessions/:id", tagSession)
	one.GET("", h.get)
	one.PATCH("", h.update)
	one.DELETE("", h.delete)
	one.POST("/start", h.start)
	one.POST("/pause", h.pause)
	one.POST("/stop", h.stop)
	one.GET("/applications", h.applications)
	one.GET("/applications/:appId/receipt", h.receipt)

	g.GET("/stats", h.stats)
}

func (h *Handler) create(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	sess, err := h.Svc.Create(c.Request.Context(), userID, req.config(h.Svc.DefaultPacingSeconds))
	if err != nil {
		writeError(c, err, "failed to create session")
		return
	}
	respond.JSON(c, http.StatusCreated, toSessionResponse(View{Session: sess}))
}

func (h *Handler) list(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	views, err := h.Svc.List(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "failed to list sessions")
		return
	}
	resp := make([]sessionResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, toSessionResponse(v))
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) get(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	v, err := h.Svc.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to fetch session")
		return
	}
	respond.JSON(c, http.StatusOK, toSessionResponse(v))
}

func (h *Handler) update(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	id := c.Param("id")
	if _, err := h.Svc.UpdateConfig(c.Request.Context(), userID, id, req.patch()); err != nil {
		writeError(c, err, "failed to update session")
		return
	}
	h.respondView(c, userID, id, http.StatusOK)
}

func (h *Handler) delete(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.Svc.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, err, "failed to delete session")
		return
	}
	respond.NoContent(c)
}

func (h *Handler) start(c *gin.Context) {
	h.command(c, h.Svc.Start)
}

func (h *Handler) pause(c *gin.Context) {
	h.command(c, h.Svc.Pause)
}

func (h *Handler) stop(c *gin.Context) {
	h.command(c, h.Svc.Stop)
}

type commandFunc func(ctx context.Context, userID, id string) (Session, error)

func (h *Handler) command(c *gin.Context, run commandFunc) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if _, err := run(c.Request.Context(), userID, id); err != nil {
		writeError(c, err, "failed to apply command")
		return
	}
	h.respondView(c, userID, id, http.StatusOK)
}

func (h *Handler) applications(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	entries, total, err := h.Svc.ListApplications(c.Request.Context(), userID, c.Param("id"), limit, offset)
	if err != nil {
		writeError(c, err, "failed to list applications")
		return
	}
	items := make([]applicationResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toApplicationResponse(e))
	}
	respond.JSON(c, http.StatusOK, applicationsPage{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) receipt(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	reader, entry, err := h.Svc.OpenReceipt(c.Request.Context(), userID, c.Param("id"), c.Param("appId"))
	if err != nil {
		writeError(c, err, "failed to load receipt")
		return
	}
	defer reader.Close()

	if err := respond.Attachment(c, path.Base(entry.ArtifactKey), reader); err != nil {
		telemetry.Warn("session.receipt.stream_failed", map[string]any{
			"session_id": entry.SessionID,
			"entry_id":   entry.ID,
			"error":      err,
		})
	}
}

func (h *Handler) stats(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	st, err := h.Svc.Stats(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "failed to load stats")
		return
	}
	respond.JSON(c, http.StatusOK, toStatsResponse(st))
}

func (h *Handler) respondView(c *gin.Context, userID, id string, status int) {
	v, err := h.Svc.Get(c.Request.Context(), userID, id)
	if err != nil {
		writeError(c, err, "failed to fetch session")
		return
	}
	respond.JSON(c, status, toSessionResponse(v))
}

func tagSession(c *gin.Context) {
	c.Set(middleware.SessionIDKey, c.Param("id"))
	c.Next()
}

func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
		return "", false
	}
	return userID, true
}

func writeError(c *gin.Context, err error, fallback string) {
	var cfgErr *ConfigError
	var trErr *TransitionError
	switch {
	case errors.As(err, &cfgErr):
		respond.Error(c, http.StatusBadRequest, "invalid_configuration", cfgErr.Error(), cfgErr.Problems)
	case errors.Is(err, ErrInvalidConfiguration):
		respond.Error(c, http.StatusBadRequest, "invalid_configuration", err.Error(), nil)
	case errors.As(err, &trErr):
		respond.Error(c, http.StatusConflict, "invalid_state_transition", trErr.Error(), gin.H{
			"status":  string(trErr.From),
			"command": string(trErr.Command),
		})
	case errors.Is(err, ErrInvalidStateTransition):
		respond.Error(c, http.StatusConflict, "invalid_state_transition", err.Error(), nil)
	case errors.Is(err, ErrNotEditable):
		respond.Error(c, http.StatusConflict, "not_editable", err.Error(), nil)
	case errors.Is(err, ErrBusy):
		respond.Error(c, http.StatusConflict, "session_busy", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
