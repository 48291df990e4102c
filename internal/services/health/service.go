package health

import (
	"context"
	"database/sql"
	"time"
)

const pingTimeout = 2 * time.Second

// Status is the health payload.
type Status struct {
	OK             bool   `json:"ok"`
	Database       string `json:"database"`
	ActiveSessions int    `json:"activeSessions"`
}

// Service reports process health. DB is nil in memory mode.
type Service struct {
	DB *sql.DB
	// Active counts sessions with a runner in this process.
	Active func() int
}

// NewService constructs a new health service.
func NewService(db *sql.DB, active func() int) *Service {
	return &Service{DB: db, Active: active}
}

// Status pings the database and counts local runners.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{OK: true, Database: "memory"}
	if s.Active != nil {
		st.ActiveSessions = s.Active()
	}
	if s.DB == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		st.OK = false
		st.Database = "unreachable"
		return st
	}
	st.Database = "ok"
	return st
}
