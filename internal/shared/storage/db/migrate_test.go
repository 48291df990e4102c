package db

import (
	"context"
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsAreOrderedAndReversible(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	want := []string{
		"00001_automation_sessions.sql",
		"00002_job_applications.sql",
		"00003_job_listings.sql",
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if e.Name() != want[i] {
			t.Fatalf("migration %d: expected %s, got %s", i, want[i], e.Name())
		}
		body, err := fs.ReadFile(migrationFiles, migrationsDir+"/"+e.Name())
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		text := string(body)
		if !strings.Contains(text, "-- +goose Up") || !strings.Contains(text, "-- +goose Down") {
			t.Fatalf("%s lacks goose Up/Down markers", e.Name())
		}
	}
}

func TestRunMigrationsWithoutDatabaseIsNoop(t *testing.T) {
	if err := RunMigrations(context.Background(), nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
