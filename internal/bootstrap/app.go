package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"autoapply-backend/internal/dispatch"
	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/ledger"
	"autoapply-backend/internal/platforms"
	"autoapply-backend/internal/queue"
	"autoapply-backend/internal/services/health"
	"autoapply-backend/internal/sessions"
	"autoapply-backend/internal/shared/auth"
	"autoapply-backend/internal/shared/config"
	"autoapply-backend/internal/shared/lease"
	"autoapply-backend/internal/shared/server"
	"autoapply-backend/internal/shared/storage/db"
	"autoapply-backend/internal/shared/storage/object"
	localstore "autoapply-backend/internal/shared/storage/object/local"
	s3store "autoapply-backend/internal/shared/storage/object/s3"
	"autoapply-backend/internal/shared/telemetry"
)

const (
	simulatedLatency = 2 * time.Second
	gatewayTimeout   = 3 * time.Minute
)

// App holds shared dependencies.
type App struct {
	Config     config.Config
	Router     *gin.Engine
	DB         *sql.DB
	Redis      *redis.Client
	Store      object.ObjectStore
	Queue      queue.Client
	Source     jobsource.Source
	Ledger     ledger.Store
	Sessions   *sessions.Service
	Supervisor *dispatch.Supervisor
	Platforms  *platforms.Registry
}

// Build prepares dependencies and the router. Runners are not resumed until
// Recover is called.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.Env)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		DB:        sqlDB,
		Store:     store,
		Queue:     queueClient,
		Platforms: buildPlatforms(cfg),
	}

	locker, err := buildLocker(ctx, app)
	if err != nil {
		return nil, err
	}

	buildServices(app, locker)

	app.Router = server.NewRouter(server.RouterDeps{
		Config:         cfg,
		Tokens:         tokens,
		Health:         health.NewService(app.DB, app.Supervisor.Len),
		SessionHandler: sessions.NewHandler(app.Sessions),
	})
	return app, nil
}

// Recover reactivates sessions left running by a previous process.
func (a *App) Recover(ctx context.Context) (int, error) {
	return a.Sessions.Recover(ctx)
}

// Close halts every runner and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Supervisor != nil {
		errs = append(errs, a.Supervisor.Shutdown(ctx))
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.db.memory", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.db.memory", map[string]any{"reason": "connect failed", "error": err})
			return nil, nil
		}
		return nil, err
	}
	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.OutcomeQueueURL) == "" {
		return queue.LogClient{}, nil
	}
	return queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.OutcomeQueueURL)
}

// buildLocker uses Redis when configured so several API processes can share
// the session slot. Otherwise the slot is process-local.
func buildLocker(ctx context.Context, app *App) (lease.Locker, error) {
	if strings.TrimSpace(app.Config.RedisAddr) == "" {
		return lease.NewMemoryLocker(nil), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     app.Config.RedisAddr,
		Password: app.Config.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	app.Redis = rdb
	return lease.NewRedisLocker(rdb), nil
}

// buildPlatforms registers a gateway adapter per configured gateway. Simulated
// adapters fill in the remaining platforms outside production.
func buildPlatforms(cfg config.Config) *platforms.Registry {
	reg := platforms.NewRegistry()
	client := &http.Client{Timeout: gatewayTimeout}
	for name, baseURL := range cfg.PlatformGateways {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(baseURL) == "" {
			continue
		}
		reg.Register(platforms.NewGatewayAdapter(name, baseURL, client))
	}
	if cfg.Env == "production" {
		return reg
	}
	for _, name := range cfg.SimulatedPlatforms {
		if _, ok := reg.Get(name); ok {
			continue
		}
		reg.Register(platforms.NewSimulatedAdapter(name, simulatedLatency))
	}
	return reg
}

func buildServices(app *App, locker lease.Locker) {
	var (
		repo   sessions.Repo
		store  ledger.Store
		source jobsource.Source
	)
	if app.DB != nil {
		repo = &sessions.PGRepo{DB: app.DB}
		store = ledger.NewPGStore(app.DB)
		source = jobsource.NewPGSource(app.DB)
	} else {
		memRepo := sessions.NewMemoryRepo()
		repo = memRepo
		store = ledger.NewMemoryStore(sessions.LimitsSource(memRepo), nil)
		mem := jobsource.NewMemorySource()
		if app.Config.SeedSampleJobs {
			mem.Add(jobsource.SampleCandidates()...)
		}
		source = mem
	}

	d := app.Config.Dispatch
	sup := dispatch.NewSupervisor(dispatch.Deps{
		Ledger:   store,
		Source:   source,
		Adapters: app.Platforms,
		Objects:  app.Store,
		Queue:    app.Queue,
		Leases:   locker,
	}, dispatch.Options{
		SubmitTimeout: d.SubmitTimeout,
		MaxAttempts:   d.SubmitMaxAttempts,
		BackoffBase:   d.SubmitBackoffBase,
		MaxBackoff:    d.MaxBackoff,
		MaxQuotaWait:  d.MaxQuotaWait,
		LeaseTTL:      app.Config.SessionLeaseTTL,
		Owner:         ownerID(),
	})

	svc := sessions.NewService(repo, store, sup)
	svc.Objects = app.Store
	svc.Queue = app.Queue
	svc.DefaultTimezone = app.Config.DefaultTimezone
	svc.DefaultPacingSeconds = d.DefaultPacingSeconds
	svc.Platforms = app.Platforms.Platforms()
	sup.OnExit(svc.HandleExit)

	app.Source = source
	app.Ledger = store
	app.Sessions = svc
	app.Supervisor = sup
}

// ownerID names this process in session leases.
func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return host + "-" + uuid.NewString()[:8]
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
