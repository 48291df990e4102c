package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds application configuration.
type Config struct {
	Port            string   `env:"PORT" envDefault:"8080"`
	Env             string   `env:"ENV" envDefault:"dev"`
	DatabaseURL     string   `env:"DATABASE_URL"`
	CORSAllowOrigin []string `env:"CORS_ALLOW_ORIGINS" envDefault:"http://localhost:5173" envSeparator:","`
	LogLevel        string   `env:"LOG_LEVEL" envDefault:"info"`
	DefaultTimezone string   `env:"DEFAULT_TIMEZONE" envDefault:"UTC"`
	JWTSecret       string   `env:"JWT_SECRET"`

	ObjectStoreType string `env:"OBJECT_STORE" envDefault:"local"`
	LocalStoreDir   string `env:"LOCAL_STORE_DIR" envDefault:"./data"`
	AWSRegion       string `env:"AWS_REGION"`
	S3Bucket        string `env:"S3_BUCKET"`
	S3Prefix        string `env:"S3_PREFIX" envDefault:"receipts"`
	SSEKMSKeyID     string `env:"SSE_KMS_KEY_ID"`
	OutcomeQueueURL string `env:"OUTCOME_QUEUE_URL"`

	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	SessionLeaseTTL time.Duration `env:"SESSION_LEASE_TTL" envDefault:"30s"`

	Dispatch DispatchConfig

	// PlatformGateways maps a platform name to the base URL of its submission gateway.
	PlatformGateways   map[string]string `env:"PLATFORM_GATEWAYS" envSeparator:"," envKeyValSeparator:"="`
	SimulatedPlatforms []string          `env:"SIMULATED_PLATFORMS" envDefault:"linkedin,indeed,glassdoor" envSeparator:","`
	SeedSampleJobs     bool              `env:"SEED_SAMPLE_JOBS" envDefault:"false"`

	RateLimitRPS    float64       `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DispatchConfig tunes the per-session runners.
type DispatchConfig struct {
	SubmitTimeout        time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"2m"`
	SubmitMaxAttempts    int           `env:"SUBMIT_MAX_ATTEMPTS" envDefault:"3"`
	SubmitBackoffBase    time.Duration `env:"SUBMIT_BACKOFF_BASE" envDefault:"5s"`
	MaxBackoff           time.Duration `env:"DISPATCH_MAX_BACKOFF" envDefault:"5m"`
	DefaultPacingSeconds int           `env:"DEFAULT_PACING_SECONDS" envDefault:"30"`
	MaxQuotaWait         time.Duration `env:"MAX_QUOTA_WAIT" envDefault:"1h"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	cfg, err := Parse()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}
	return cfg
}

// Parse reads the environment without touching .env files.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Env = normalizeEnv(cfg.Env)
	cfg.ObjectStoreType = normalizeStoreType(cfg.ObjectStoreType)
	cfg.CORSAllowOrigin = trimAll(cfg.CORSAllowOrigin)
	cfg.SimulatedPlatforms = trimAll(cfg.SimulatedPlatforms)
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		log.Printf("config: DEFAULT_TIMEZONE %q invalid, using UTC", cfg.DefaultTimezone)
		cfg.DefaultTimezone = "UTC"
	}
	return cfg, nil
}

func trimAll(in []string) []string {
	var out []string
	for _, p := range in {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
