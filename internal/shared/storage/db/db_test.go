package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// withMockDB points openDB at a sqlmock connection that records pings.
func withMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	prev := openDB
	openDB = func(_, _ string) (*sql.DB, error) { return mockDB, nil }
	t.Cleanup(func() {
		openDB = prev
		_ = mockDB.Close()
	})
	return mock
}

func TestOptionsFromEnvAppliesOverrides(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectPing()

	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	t.Setenv("DB_MAX_IDLE_CONNS", "3")
	t.Setenv("DB_CONN_MAX_LIFETIME", "20m")
	t.Setenv("DB_CONN_MAX_IDLE_TIME", "45s")
	t.Setenv("DB_PING_TIMEOUT", "1s")
	t.Setenv("DB_CONNECT_ATTEMPTS", "2")

	opts := OptionsFromEnv(DefaultServerOptions())
	require.Equal(t, Options{
		MaxOpenConns:    7,
		MaxIdleConns:    3,
		ConnMaxLifetime: 20 * time.Minute,
		ConnMaxIdleTime: 45 * time.Second,
		PingTimeout:     time.Second,
		ConnectAttempts: 2,
		ConnectBackoff:  time.Second,
	}, opts)

	conn, err := Connect(context.Background(), "postgres://app@localhost/autoapply", opts)
	require.NoError(t, err)
	require.Equal(t, 7, conn.Stats().MaxOpenConnections)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOptionsFromEnvKeepsDefaultsOnBadValue(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "lots")
	require.Equal(t, DefaultServerOptions(), OptionsFromEnv(DefaultServerOptions()))
}

func TestConnectRetriesPingUntilDatabaseAccepts(t *testing.T) {
	mock := withMockDB(t)
	refused := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(refused)
	mock.ExpectPing().WillReturnError(refused)
	mock.ExpectPing()

	opts := DefaultMigrateOptions()
	opts.ConnectAttempts = 3
	opts.ConnectBackoff = time.Millisecond

	_, err := Connect(context.Background(), "postgres://app@localhost/autoapply", opts)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectGivesUpAfterLastAttempt(t *testing.T) {
	mock := withMockDB(t)
	refused := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(refused)
	mock.ExpectPing().WillReturnError(refused)

	opts := DefaultMigrateOptions()
	opts.ConnectAttempts = 2
	opts.ConnectBackoff = time.Millisecond

	_, err := Connect(context.Background(), "postgres://app@localhost/autoapply", opts)
	require.ErrorIs(t, err, refused)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectStopsRetryingWhenContextEnds(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := DefaultMigrateOptions()
	opts.ConnectAttempts = 5
	opts.ConnectBackoff = time.Hour

	_, err := Connect(ctx, "postgres://app@localhost/autoapply", opts)
	require.Error(t, err)
}

func TestConnectRejectsEmptyURL(t *testing.T) {
	_, err := Connect(context.Background(), "  ", DefaultServerOptions())
	require.Error(t, err)
}

func TestConnectSurfacesOpenError(t *testing.T) {
	prev := openDB
	openDB = func(_, _ string) (*sql.DB, error) { return nil, sql.ErrConnDone }
	defer func() { openDB = prev }()

	_, err := Connect(context.Background(), "postgres://x", DefaultMigrateOptions())
	require.ErrorIs(t, err, sql.ErrConnDone)
}
