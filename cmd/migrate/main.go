package main

// Apply database migrations:
//   go run ./cmd/migrate
// Revert the latest one:
//   go run ./cmd/migrate -down

import (
	"context"
	"flag"
	"os"

	"autoapply-backend/internal/shared/config"
	"autoapply-backend/internal/shared/storage/db"
	"autoapply-backend/internal/shared/telemetry"
)

func main() {
	down := flag.Bool("down", false, "revert the most recent migration")
	flag.Parse()

	cfg := config.Load()
	telemetry.Configure(cfg.LogLevel)
	defer telemetry.Sync()
	ctx := context.Background()

	opts := db.OptionsFromEnv(db.DefaultMigrateOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		telemetry.Error("migrate.connect_failed", map[string]any{"error": err})
		os.Exit(1)
	}
	defer sqlDB.Close()

	if *down {
		err = db.RollbackMigration(ctx, sqlDB)
	} else {
		err = db.RunMigrations(ctx, sqlDB)
	}
	if err != nil {
		telemetry.Error("migrate.failed", map[string]any{"error": err, "down": *down})
		_ = sqlDB.Close()
		os.Exit(1)
	}

	version, err := db.MigrationVersion(sqlDB)
	if err != nil {
		telemetry.Warn("migrate.version_unknown", map[string]any{"error": err})
	}
	telemetry.Info("migrate.done", map[string]any{"version": version, "down": *down})
}
