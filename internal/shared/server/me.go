package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"autoapply-backend/internal/sessions"
	"autoapply-backend/internal/shared/server/middleware"
	"autoapply-backend/internal/shared/server/respond"
)

type meResponse struct {
	UserID         string `json:"userId"`
	IsGuest        bool   `json:"isGuest"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	ActiveSessions int    `json:"activeSessions"`
	TotalSessions  int    `json:"totalSessions"`
}

// registerMeRoutes attaches /me, which echoes the caller's identity with a
// count of their sessions.
func registerMeRoutes(rg *gin.RouterGroup, svc *sessions.Service) {
	rg.GET("/me", func(c *gin.Context) {
		id, ok := middleware.IdentityFromContext(c)
		if !ok || id.UserID == "" {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
			return
		}
		resp := meResponse{
			UserID:  id.UserID,
			IsGuest: id.Guest,
			Email:   id.Email,
			Name:    id.Name,
		}
		if svc != nil {
			st, err := svc.Stats(c.Request.Context(), id.UserID)
			if err != nil {
				respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load sessions", nil)
				return
			}
			resp.ActiveSessions = st.ActiveSessions
			resp.TotalSessions = st.TotalSessions
		}
		respond.JSON(c, http.StatusOK, resp)
	})
}
