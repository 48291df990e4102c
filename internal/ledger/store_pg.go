package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autoapply-backend/internal/quota"
)

// PGStore implements Store using Postgres. Outcome writes lock the owning
// session row so counters and entries of one session commit in order.
type PGStore struct {
	DB  *sql.DB
	now func() time.Time
}

// NewPGStore constructs a Postgres-backed ledger.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db, now: time.Now}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const entryColumns = `id, session_id, platform, external_job_id, job_title, company, status, submitted_at, error_message, attempt_count, artifact_key, created_at, updated_at`

func (s *PGStore) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *PGStore) RecordAttempt(ctx context.Context, a Attempt) (Entry, error) {
	at := a.At
	if at.IsZero() {
		at = s.clock()
	}
	e := Entry{
		ID:           uuid.NewString(),
		SessionID:    a.SessionID,
		Job:          a.Job,
		JobTitle:     a.JobTitle,
		Company:      a.Company,
		Status:       StatusPending,
		AttemptCount: 1,
		CreatedAt:    at.UTC(),
		UpdatedAt:    at.UTC(),
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO job_applications (id, session_id, platform, external_job_id, job_title, company, status, attempt_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (session_id, platform, external_job_id) DO NOTHING`,
		e.ID, e.SessionID, e.Job.Platform, e.Job.ExternalID, e.JobTitle, e.Company, e.Status, e.AttemptCount, e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		return Entry{}, ErrDuplicate
	}
	return e, nil
}

func (s *PGStore) Exists(ctx context.Context, sessionID string, job JobRef) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM job_applications WHERE session_id = $1 AND platform = $2 AND external_job_id = $3
)`, sessionID, job.Platform, job.ExternalID).Scan(&exists)
	return exists, err
}

func (s *PGStore) Get(ctx context.Context, entryID string) (Entry, error) {
	return s.get(ctx, s.DB, entryID, false)
}

func (s *PGStore) RecordRetry(ctx context.Context, entryID string) (int, error) {
	var attempts int
	err := s.DB.QueryRowContext(ctx, `
UPDATE job_applications
SET attempt_count = attempt_count + 1, updated_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING attempt_count`, entryID, s.clock().UTC()).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if _, err := s.get(ctx, s.DB, entryID, false); err != nil {
		return 0, err
	}
	return 0, ErrInvalidTransition
}

func (s *PGStore) RecordOutcome(ctx context.Context, entryID string, out Outcome) (Entry, Counts, error) {
	if !validOutcome(out) {
		return Entry{}, Counts{}, ErrInvalidOutcome
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, Counts{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	e, err := s.get(ctx, tx, entryID, true)
	if err != nil {
		return Entry{}, Counts{}, err
	}
	limits, err := lockSession(ctx, tx, e.SessionID)
	if err != nil {
		return Entry{}, Counts{}, err
	}
	if e.Status != StatusPending {
		err = ErrInvalidTransition
		return Entry{}, Counts{}, err
	}

	at := outcomeTime(out, s.clock)
	counts, err := aggregate(ctx, tx, e.SessionID, quota.DayStart(at, limits.Location))
	if err != nil {
		return Entry{}, Counts{}, err
	}
	if out.Status == StatusApplied && !fitsQuota(limits, counts) {
		err = ErrQuotaExceeded
		return Entry{}, Counts{}, err
	}

	e.Status = out.Status
	e.UpdatedAt = at
	if out.Status == StatusApplied {
		submitted := at
		e.SubmittedAt = &submitted
		e.ArtifactKey = out.ArtifactKey
	} else {
		e.ErrorMessage = out.Reason
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE job_applications
SET status = $2, submitted_at = $3, error_message = $4, artifact_key = $5, updated_at = $6
WHERE id = $1`,
		e.ID, e.Status, e.SubmittedAt, nullableString(e.ErrorMessage), nullableString(e.ArtifactKey), e.UpdatedAt); err != nil {
		return Entry{}, Counts{}, err
	}

	counts = counts.apply(out.Status)
	if out.Status == StatusApplied {
		if _, err = tx.ExecContext(ctx, `
UPDATE automation_sessions
SET applications_sent = $2, applications_sent_today = $3, counters_day = $4, last_dispatch_at = $5, updated_at = $5
WHERE id = $1`,
			e.SessionID, counts.Applied, counts.AppliedToday, quota.DayKey(at, limits.Location), at); err != nil {
			return Entry{}, Counts{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return Entry{}, Counts{}, err
	}
	return e, counts, nil
}

func (s *PGStore) CountToday(ctx context.Context, sessionID string, now time.Time) (int, error) {
	c, err := s.Counts(ctx, sessionID, now)
	return c.AppliedToday, err
}

func (s *PGStore) CountTotal(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM job_applications WHERE session_id = $1 AND status = 'applied'`, sessionID).Scan(&n)
	return n, err
}

func (s *PGStore) Counts(ctx context.Context, sessionID string, now time.Time) (Counts, error) {
	limits, err := sessionLimits(ctx, s.DB, sessionID, false)
	if err != nil {
		return Counts{}, err
	}
	return aggregate(ctx, s.DB, sessionID, quota.DayStart(now, limits.Location))
}

func (s *PGStore) List(ctx context.Context, sessionID string, limit, offset int) ([]Entry, int, error) {
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_applications WHERE session_id = $1`, sessionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	// A NULL limit is LIMIT ALL; limit <= 0 lists everything.
	var pageLimit any
	if limit > 0 {
		pageLimit = limit
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM job_applications
WHERE session_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, sessionID, pageLimit, max(offset, 0))
	if err != nil {
		return nil, 0, err
	}
	entries, err := scanEntries(rows)
	return entries, total, err
}

func (s *PGStore) ListPending(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM job_applications
WHERE session_id = $1 AND status = 'pending'
ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PGStore) Reconcile(ctx context.Context, sessionID string, now time.Time) (Counts, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Counts{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	limits, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		return Counts{}, err
	}
	counts, err := aggregate(ctx, tx, sessionID, quota.DayStart(now, limits.Location))
	if err != nil {
		return Counts{}, err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE automation_sessions
SET applications_sent = $2, applications_sent_today = $3, counters_day = $4
WHERE id = $1`, sessionID, counts.Applied, counts.AppliedToday, quota.DayKey(now, limits.Location)); err != nil {
		return Counts{}, err
	}
	if err = tx.Commit(); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

func (s *PGStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM job_applications WHERE session_id = $1`, sessionID)
	return err
}

func (s *PGStore) get(ctx context.Context, q querier, entryID string, forUpdate bool) (Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM job_applications WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	e, err := scanEntry(q.QueryRowContext(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func lockSession(ctx context.Context, q querier, sessionID string) (quota.Limits, error) {
	return sessionLimits(ctx, q, sessionID, true)
}

func sessionLimits(ctx context.Context, q querier, sessionID string, forUpdate bool) (quota.Limits, error) {
	query := `SELECT daily_limit, applications_limit, timezone FROM automation_sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		limits quota.Limits
		tz     string
	)
	if err := q.QueryRowContext(ctx, query, sessionID).Scan(&limits.Daily, &limits.Lifetime, &tz); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quota.Limits{}, ErrSessionNotFound
		}
		return quota.Limits{}, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	limits.Location = loc
	return limits, nil
}

func aggregate(ctx context.Context, q querier, sessionID string, dayStart time.Time) (Counts, error) {
	var c Counts
	err := q.QueryRowContext(ctx, `
SELECT
  COUNT(*) FILTER (WHERE status = 'applied'),
  COUNT(*) FILTER (WHERE status = 'applied' AND submitted_at >= $2),
  COUNT(*) FILTER (WHERE status = 'failed'),
  COUNT(*) FILTER (WHERE status = 'pending')
FROM job_applications
WHERE session_id = $1`, sessionID, dayStart.UTC()).Scan(&c.Applied, &c.AppliedToday, &c.Failed, &c.Pending)
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		status    string
		submitted sql.NullTime
		errMsg    sql.NullString
		artifact  sql.NullString
		title     sql.NullString
		company   sql.NullString
	)
	if err := row.Scan(
		&e.ID,
		&e.SessionID,
		&e.Job.Platform,
		&e.Job.ExternalID,
		&title,
		&company,
		&status,
		&submitted,
		&errMsg,
		&e.AttemptCount,
		&artifact,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	e.JobTitle = title.String
	e.Company = company.String
	e.ErrorMessage = errMsg.String
	e.ArtifactKey = artifact.String
	if submitted.Valid {
		t := submitted.Time.UTC()
		e.SubmittedAt = &t
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var _ Store = (*PGStore)(nil)
