package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const sessionColumns = `id, user_id, name, filters, daily_limit, applications_limit, timezone, resume_id, cover_letter_id, pacing_seconds, status, stopped_early, error_message, applications_sent, applications_sent_today, last_dispatch_at, started_at, completed_at, created_at, updated_at`

// filterDoc is the JSONB shape of the targeting criteria.
type filterDoc struct {
	TargetPlatforms  []string `json:"targetPlatforms"`
	SearchKeywords   []string `json:"searchKeywords,omitempty"`
	LocationFilters  []string `json:"locationFilters,omitempty"`
	SalaryMin        *int     `json:"salaryMin,omitempty"`
	SalaryMax        *int     `json:"salaryMax,omitempty"`
	ExperienceLevels []string `json:"experienceLevels,omitempty"`
	JobTypes         []string `json:"jobTypes,omitempty"`
}

func encodeFilters(cfg Config) ([]byte, error) {
	return json.Marshal(filterDoc{
		TargetPlatforms:  cfg.TargetPlatforms,
		SearchKeywords:   cfg.SearchKeywords,
		LocationFilters:  cfg.LocationFilters,
		SalaryMin:        cfg.SalaryMin,
		SalaryMax:        cfg.SalaryMax,
		ExperienceLevels: cfg.ExperienceLevels,
		JobTypes:         cfg.JobTypes,
	})
}

func (r *PGRepo) Create(ctx context.Context, s Session) error {
	filters, err := encodeFilters(s.Config)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
INSERT INTO automation_sessions (
    id, user_id, name, filters, daily_limit, applications_limit, timezone,
    resume_id, cover_letter_id, pacing_seconds, status, stopped_early,
    error_message, started_at, completed_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
		s.ID, s.UserID, s.Name, filters, s.DailyLimit, s.ApplicationsLimit, s.Timezone,
		nullableString(s.ResumeID), nullableString(s.CoverLetterID), s.PacingSeconds,
		string(s.Status), s.StoppedEarly, nullableString(s.ErrorMessage),
		s.StartedAt, s.CompletedAt, s.CreatedAt)
	return err
}

func (r *PGRepo) Get(ctx context.Context, id string) (Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM automation_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

// ListByUser returns a user's sessions, newest first.
func (r *PGRepo) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	return r.query(ctx, `SELECT `+sessionColumns+` FROM automation_sessions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

func (r *PGRepo) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	return r.query(ctx, `SELECT `+sessionColumns+` FROM automation_sessions WHERE status = $1 ORDER BY created_at`, string(status))
}

func (r *PGRepo) Update(ctx context.Context, s Session, prev Status) error {
	filters, err := encodeFilters(s.Config)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `
UPDATE automation_sessions
SET name = $2, filters = $3, daily_limit = $4, applications_limit = $5,
    resume_id = $6, cover_letter_id = $7, pacing_seconds = $8, status = $9,
    stopped_early = $10, error_message = $11, started_at = $12, completed_at = $13,
    updated_at = $14
WHERE id = $1 AND status = $15`,
		s.ID, s.Name, filters, s.DailyLimit, s.ApplicationsLimit,
		nullableString(s.ResumeID), nullableString(s.CoverLetterID), s.PacingSeconds, string(s.Status),
		s.StoppedEarly, nullableString(s.ErrorMessage), s.StartedAt, s.CompletedAt,
		s.UpdatedAt, string(prev))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM automation_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusChanged
}

// Delete removes a session. Its ledger entries go with it through the foreign key.
func (r *PGRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM automation_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepo) query(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s              Session
		filters        []byte
		status         string
		resumeID       sql.NullString
		coverLetterID  sql.NullString
		errorMessage   sql.NullString
		lastDispatchAt sql.NullTime
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.Name, &filters, &s.DailyLimit, &s.ApplicationsLimit, &s.Timezone,
		&resumeID, &coverLetterID, &s.PacingSeconds, &status, &s.StoppedEarly, &errorMessage,
		&s.ApplicationsSent, &s.ApplicationsSentToday, &lastDispatchAt, &startedAt, &completedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}

	var doc filterDoc
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &doc); err != nil {
			return Session{}, fmt.Errorf("decode filters: %w", err)
		}
	}
	s.TargetPlatforms = doc.TargetPlatforms
	s.SearchKeywords = doc.SearchKeywords
	s.LocationFilters = doc.LocationFilters
	s.SalaryMin = doc.SalaryMin
	s.SalaryMax = doc.SalaryMax
	s.ExperienceLevels = doc.ExperienceLevels
	s.JobTypes = doc.JobTypes

	s.Status = Status(status)
	s.ResumeID = resumeID.String
	s.CoverLetterID = coverLetterID.String
	s.ErrorMessage = errorMessage.String
	s.LastDispatchAt = nullTime(lastDispatchAt)
	s.StartedAt = nullTime(startedAt)
	s.CompletedAt = nullTime(completedAt)
	return s, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var _ Repo = (*PGRepo)(nil)
