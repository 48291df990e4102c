package main

// Load sample job listings for local development:
//   go run ./cmd/seed

import (
	"context"
	"os"

	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/shared/config"
	"autoapply-backend/internal/shared/storage/db"
	"autoapply-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Configure(cfg.LogLevel)
	defer telemetry.Sync()
	ctx := context.Background()

	opts := db.OptionsFromEnv(db.DefaultMigrateOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		telemetry.Error("seed.connect_failed", map[string]any{"error": err})
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		telemetry.Error("seed.migrate_failed", map[string]any{"error": err})
		_ = sqlDB.Close()
		os.Exit(1)
	}

	samples := jobsource.SampleCandidates()
	added, err := jobsource.NewPGSource(sqlDB).Upsert(ctx, samples...)
	if err != nil {
		telemetry.Error("seed.upsert_failed", map[string]any{"error": err})
		_ = sqlDB.Close()
		os.Exit(1)
	}
	telemetry.Info("seed.done", map[string]any{"added": added, "skipped": len(samples) - added})
}
