package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`

	// WorkingDir is the parent of every scratch build workspace.
	WorkingDir string `mapstructure:"WORKING_DIR"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	// AllowedOrigins is a comma separated list of browser origins; empty allows any.
	AllowedOrigins string  `mapstructure:"ALLOWED_ORIGINS"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`

	ContentStore      string `mapstructure:"CONTENT_STORE" validate:"required,oneof=db s3"`
	S3Bucket          string `mapstructure:"S3_BUCKET" validate:"required_if=ContentStore s3"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3PathStyle       bool   `mapstructure:"S3_PATH_STYLE"`

	DeployProvider string `mapstructure:"DEPLOY_PROVIDER" validate:"required,oneof=netlify vercel"`
	NetlifyToken   string `mapstructure:"NETLIFY_TOKEN" validate:"required_if=DeployProvider netlify"`
	VercelToken    string `mapstructure:"VERCEL_TOKEN" validate:"required_if=DeployProvider vercel"`
	VercelTeamID   string `mapstructure:"VERCEL_TEAM_ID"`

	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL" validate:"required"`
	PollRetryInterval time.Duration `mapstructure:"POLL_RETRY_INTERVAL" validate:"required"`
	BuildTimeout      time.Duration `mapstructure:"BUILD_TIMEOUT" validate:"required"`
	CommitLockTTL     time.Duration `mapstructure:"COMMIT_LOCK_TTL" validate:"required"`
	// DeployStaleAfter fails an active attempt that made no progress for this long.
	DeployStaleAfter time.Duration `mapstructure:"DEPLOY_STALE_AFTER" validate:"required"`

	PackageManager         string `mapstructure:"PACKAGE_MANAGER" validate:"required,oneof=npm yarn pnpm"`
	FallbackPackageManager string `mapstructure:"FALLBACK_PACKAGE_MANAGER" validate:"omitempty,oneof=npm yarn pnpm"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var durationKeys = []string{
	"SHUTDOWN_TIMEOUT",
	"POLL_INTERVAL",
	"POLL_RETRY_INTERVAL",
	"BUILD_TIMEOUT",
	"COMMIT_LOCK_TTL",
	"DEPLOY_STALE_AFTER",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("GOMAXPROCS", 0)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("CONTENT_STORE", "db")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("DEPLOY_PROVIDER", "netlify")
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("POLL_RETRY_INTERVAL", "30s")
	v.SetDefault("BUILD_TIMEOUT", "10m")
	v.SetDefault("COMMIT_LOCK_TTL", "2m")
	v.SetDefault("DEPLOY_STALE_AFTER", "30m")
	v.SetDefault("PACKAGE_MANAGER", "npm")
	v.SetDefault("FALLBACK_PACKAGE_MANAGER", "yarn")

	// Optional config file
	_ = v.ReadInConfig()

	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"ASYNQ_CONCURRENCY",
		"GOMAXPROCS",
		"WORKING_DIR",
		"JWT_SECRET",
		"ALLOWED_ORIGINS",
		"RATE_LIMIT_RPS",
		"RATE_LIMIT_BURST",
		"CONTENT_STORE",
		"S3_BUCKET",
		"S3_REGION",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY_ID",
		"S3_SECRET_ACCESS_KEY",
		"S3_PATH_STYLE",
		"DEPLOY_PROVIDER",
		"NETLIFY_TOKEN",
		"VERCEL_TOKEN",
		"VERCEL_TEAM_ID",
		"POLL_INTERVAL",
		"POLL_RETRY_INTERVAL",
		"BUILD_TIMEOUT",
		"COMMIT_LOCK_TTL",
		"DEPLOY_STALE_AFTER",
		"PACKAGE_MANAGER",
		"FALLBACK_PACKAGE_MANAGER",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	for _, key := range durationKeys {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		switch key {
		case "SHUTDOWN_TIMEOUT":
			c.ShutdownTimeout = d
		case "POLL_INTERVAL":
			c.PollInterval = d
		case "POLL_RETRY_INTERVAL":
			c.PollRetryInterval = d
		case "BUILD_TIMEOUT":
			c.BuildTimeout = d
		case "COMMIT_LOCK_TTL":
			c.CommitLockTTL = d
		case "DEPLOY_STALE_AFTER":
			c.DeployStaleAfter = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// Origins splits AllowedOrigins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ProviderToken returns the API token of the selected deploy provider.
func (c *Config) ProviderToken() string {
	if c.DeployProvider == "vercel" {
		return c.VercelToken
	}
	return c.NetlifyToken
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
