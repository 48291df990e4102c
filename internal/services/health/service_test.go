package health

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStatusMemoryMode(t *testing.T) {
	st := NewService(nil, func() int { return 2 }).Status(context.Background())
	if !st.OK || st.Database != "memory" || st.ActiveSessions != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStatusReportsUnreachableDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	st := NewService(db, nil).Status(context.Background())
	if st.OK || st.Database != "unreachable" {
		t.Fatalf("unexpected status %+v", st)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
