package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var sessionCols = []string{"id", "user_id", "name", "filters", "daily_limit", "applications_limit", "timezone", "resume_id", "cover_letter_id", "pacing_seconds", "status", "stopped_early", "error_message", "applications_sent", "applications_sent_today", "last_dispatch_at", "started_at", "completed_at", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoCreateEncodesFilters(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	min := 80000

	mock.ExpectExec("INSERT INTO automation_sessions").
		WithArgs("s1", "u1", "Backend", []byte(`{"targetPlatforms":["linkedin"],"searchKeywords":["go"],"salaryMin":80000}`),
			5, 50, "Europe/Berlin", nil, nil, 30, "pending", false, nil, nil, nil, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), Session{
		ID:     "s1",
		UserID: "u1",
		Config: Config{
			Name:              "Backend",
			TargetPlatforms:   []string{"linkedin"},
			SearchKeywords:    []string{"go"},
			SalaryMin:         &min,
			DailyLimit:        5,
			ApplicationsLimit: 50,
			Timezone:          "Europe/Berlin",
			PacingSeconds:     30,
		},
		Status:    StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepoGetDecodesRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	started := created.Add(time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM automation_sessions WHERE id = \\$1").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"s1", "u1", "Backend", []byte(`{"targetPlatforms":["linkedin","indeed"],"jobTypes":["full-time"],"salaryMax":120000}`),
			5, 50, "UTC", "r1", nil, 0, "running", false, nil,
			3, 1, started, started, nil, created, started,
		))

	s, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, s.Status)
	require.Equal(t, []string{"linkedin", "indeed"}, s.TargetPlatforms)
	require.Equal(t, []string{"full-time"}, s.JobTypes)
	require.NotNil(t, s.SalaryMax)
	require.Equal(t, 120000, *s.SalaryMax)
	require.Nil(t, s.SalaryMin)
	require.Equal(t, "r1", s.ResumeID)
	require.Empty(t, s.CoverLetterID)
	require.Equal(t, 3, s.ApplicationsSent)
	require.Equal(t, started, *s.StartedAt)
	require.Nil(t, s.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepoGetMissingIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM automation_sessions WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepoUpdateMissingIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE automation_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.Update(context.Background(), Session{ID: "missing", Config: Config{TargetPlatforms: []string{"linkedin"}}, Status: StatusPaused}, StatusRunning)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepoUpdateChecksPreviousStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	sess := Session{ID: "s1", Config: Config{TargetPlatforms: []string{"linkedin"}}, Status: StatusPaused}

	mock.ExpectExec("WHERE id = \\$1 AND status = \\$15").
		WithArgs("s1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "paused",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "running").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.Update(context.Background(), sess, StatusRunning)
	require.ErrorIs(t, err, ErrStatusChanged)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepoListByStatusFiltersOnStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("WHERE status = \\$1").
		WithArgs("running").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "u1", "A", []byte(`{"targetPlatforms":["linkedin"]}`), 5, 10, "UTC", nil, nil, 0, "running", false, nil, 0, 0, nil, created, nil, created, created).
			AddRow("s2", "u2", "B", []byte(`{"targetPlatforms":["indeed"]}`), 5, 10, "UTC", nil, nil, 0, "running", false, nil, 0, 0, nil, created, nil, created, created))

	list, err := repo.ListByStatus(context.Background(), StatusRunning)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "s2", list[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepoDeleteMissingIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM automation_sessions").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, repo.Delete(context.Background(), "missing"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
