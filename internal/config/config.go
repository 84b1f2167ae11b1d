package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration required by the API and worker processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig    `envPrefix:"APP_"`
	DB     DBConfig     `envPrefix:"DB_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
	Auth   AuthConfig
	Limits LimitsConfig
	Upload UploadConfig `envPrefix:"UPLOAD_"`
}

type AppConfig struct {
	Env  string `env:"ENV"`
	Port int    `env:"PORT" envDefault:"3000"`

	// PublicBaseURL overrides the host used in returned websocket URLs,
	// e.g. "https://calls.example.com". Empty means "use the request host".
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

type DBConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"SSLMODE"`

	// AutoMigrate creates the calls and metrics tables on API start.
	AutoMigrate bool `env:"AUTO_MIGRATE" envDefault:"false"`

	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"20"`
}

type RedisConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"6379"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"50"`
}

type AuthConfig struct {
	// APIKeys is the set of tenant keys accepted as bearer tokens.
	APIKeys []string `env:"VALID_API_KEYS" envSeparator:","`

	// ChannelSecret signs subscription channel tokens. Empty disables channel tokens.
	ChannelSecret   string        `env:"CHANNEL_TOKEN_SECRET"`
	ChannelTokenTTL time.Duration `env:"CHANNEL_TOKEN_TTL" envDefault:"15m"`
}

type LimitsConfig struct {
	MaxConcurrent int `env:"MAX_CONCURRENT_CALLS_PER_KEY" envDefault:"3"`
	MaxPerSecond  int `env:"MAX_CPS_PER_KEY" envDefault:"2"`

	// SlotTTL bounds how long a concurrency counter leaked by a crashed API
	// process survives. Zero disables the expiry.
	SlotTTL time.Duration `env:"CALL_SLOT_TTL" envDefault:"1h"`

	// DrainTimeout is how long shutdown waits for in-flight sessions to
	// complete before stopping them.
	DrainTimeout time.Duration `env:"SESSION_DRAIN_TIMEOUT" envDefault:"15s"`
}

// UploadPolicy decides whether a completed session enqueues its recording upload.
type UploadPolicy string

const (
	UploadPolicyAuto   UploadPolicy = "auto"
	UploadPolicyManual UploadPolicy = "manual"
)

type UploadConfig struct {
	Policy       UploadPolicy  `env:"POLICY" envDefault:"auto"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseBackoff  time.Duration `env:"BACKOFF" envDefault:"2s"`
	MaxBackoff   time.Duration `env:"MAX_BACKOFF" envDefault:"1m"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	Concurrency  int           `env:"CONCURRENCY" envDefault:"4"`

	// MetricsAddr is where the worker process serves /metrics.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`

	Bucket      string        `env:"S3_BUCKET_NAME" envDefault:"mock-recordings-bucket"`
	Region      string        `env:"AWS_REGION" envDefault:"us-east-1"`
	MinLatency  time.Duration `env:"MIN_LATENCY" envDefault:"2s"`
	MaxLatency  time.Duration `env:"MAX_LATENCY" envDefault:"3s"`
	FailureRate float64       `env:"FAILURE_RATE" envDefault:"0"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	c.App.Env = strings.TrimSpace(c.App.Env)
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.App.PublicBaseURL), "/")
	c.DB.Host = strings.TrimSpace(c.DB.Host)
	c.DB.User = strings.TrimSpace(c.DB.User)
	c.DB.Name = strings.TrimSpace(c.DB.Name)
	c.DB.SSLMode = strings.TrimSpace(c.DB.SSLMode)
	c.Redis.Host = strings.TrimSpace(c.Redis.Host)
	c.Auth.APIKeys = trimAll(c.Auth.APIKeys)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" && c.IsProduction() {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if len(trimAll(c.Auth.APIKeys)) == 0 {
		errs = append(errs, errors.New("VALID_API_KEYS is required"))
	}
	if c.IsProduction() && c.Auth.ChannelSecret == "" {
		errs = append(errs, errors.New("CHANNEL_TOKEN_SECRET is required in production"))
	}

	if c.Limits.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS_PER_KEY must be > 0, got %d", c.Limits.MaxConcurrent))
	}
	if c.Limits.SlotTTL < 0 {
		errs = append(errs, fmt.Errorf("CALL_SLOT_TTL must be >= 0, got %v", c.Limits.SlotTTL))
	}
	if c.Limits.MaxPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CPS_PER_KEY must be > 0, got %d", c.Limits.MaxPerSecond))
	}

	switch c.Upload.Policy {
	case UploadPolicyAuto, UploadPolicyManual, "":
	default:
		errs = append(errs, fmt.Errorf("UPLOAD_POLICY must be one of auto, manual, got %q", c.Upload.Policy))
	}
	if c.Upload.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be >= 0, got %d", c.Upload.MaxAttempts))
	}
	if c.Upload.FailureRate < 0 || c.Upload.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("UPLOAD_FAILURE_RATE must be within [0,1], got %v", c.Upload.FailureRate))
	}
	if c.Upload.MaxLatency > 0 && c.Upload.MaxLatency < c.Upload.MinLatency {
		errs = append(errs, errors.New("UPLOAD_MAX_LATENCY must be >= UPLOAD_MIN_LATENCY"))
	}

	return joinErrors(errs)
}

// applyDefaults fills optional values after validation succeeded.
func (c *Config) applyDefaults() {
	if c.DB.SSLMode == "" {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Upload.Policy == "" {
		c.Upload.Policy = UploadPolicyAuto
	}
	if c.Upload.MaxAttempts == 0 {
		c.Upload.MaxAttempts = 3
	}
	if c.Upload.BaseBackoff <= 0 {
		c.Upload.BaseBackoff = 2 * time.Second
	}
	if c.Upload.Concurrency <= 0 {
		c.Upload.Concurrency = 1
	}
	if c.Limits.DrainTimeout <= 0 {
		c.Limits.DrainTimeout = 15 * time.Second
	}
	if c.Auth.ChannelTokenTTL <= 0 {
		c.Auth.ChannelTokenTTL = 15 * time.Minute
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// AutoUpload reports whether reaching COMPLETED enqueues the recording upload.
func (c Config) AutoUpload() bool {
	return c.Upload.Policy != UploadPolicyManual
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
