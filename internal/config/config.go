// Package config loads application configuration from a YAML file,
// a .env file and APP_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "APP_"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	JWT           JWTConfig           `koanf:"jwt"`
	CORS          CORSConfig          `koanf:"cors"`
	Incidents     IncidentsConfig     `koanf:"incidents"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Live          LiveConfig          `koanf:"live"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key"`
	Issuer    string `koanf:"issuer"`
}

// CORSConfig configures allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// IncidentsConfig configures incident creation and store retries.
type IncidentsConfig struct {
	NumberFormat  string           `koanf:"number_format"`
	DefaultSteps  []string         `koanf:"default_steps"`
	StoreRetry    StoreRetryConfig `koanf:"store_retry"`
	ListenChanges bool             `koanf:"listen_changes"`
}

// StoreRetryConfig configures retries of transient store failures.
type StoreRetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

// NotificationsConfig configures routing and delivery.
type NotificationsConfig struct {
	Enabled           bool                `koanf:"enabled"`
	BaseURL           string              `koanf:"base_url"`
	DefaultDelay      time.Duration       `koanf:"default_delay"`
	DefaultRegulators []string            `koanf:"default_regulators"`
	DefaultChannels   []string            `koanf:"default_channels"`
	Email             EmailConfig         `koanf:"email"`
	Webhook           WebhookConfig       `koanf:"webhook"`
	Retry             RetryConfig         `koanf:"retry"`
	DeliveryRetry     DeliveryRetryConfig `koanf:"delivery_retry"`
	Worker            WorkerConfig        `koanf:"worker"`
}

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Enabled      bool   `koanf:"enabled"`
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address"`
	BatchSize    int    `koanf:"batch_size"`
}

// WebhookConfig configures the webhook sender.
type WebhookConfig struct {
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
	Username  string        `koanf:"username"`
}

// RetryConfig configures scheduled message retries.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
}

// DeliveryRetryConfig configures in-call channel send retries.
type DeliveryRetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Interval    time.Duration `koanf:"interval"`
}

// WorkerConfig configures the background sweep.
type WorkerConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval"`
	NumWorkers   int           `koanf:"num_workers"`
	StuckAfter   time.Duration `koanf:"stuck_after"`
}

// LiveConfig configures the websocket live feed.
type LiveConfig struct {
	Enabled        bool          `koanf:"enabled"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	MaxMessageSize int64         `koanf:"max_message_size"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Incidents: IncidentsConfig{
			NumberFormat: "daily",
			DefaultSteps: []string{"containment", "investigation", "corrective_action", "verification"},
			StoreRetry: StoreRetryConfig{
				MaxAttempts:     3,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
			ListenChanges: true,
		},
		Notifications: NotificationsConfig{
			Enabled:           true,
			DefaultDelay:      30 * time.Minute,
			DefaultRegulators: []string{"regulatory@health-authority.example"},
			DefaultChannels:   []string{"email", "webhook"},
			Email: EmailConfig{
				SMTPPort:  587,
				BatchSize: 50,
			},
			Webhook: WebhookConfig{
				Timeout:   10 * time.Second,
				RateLimit: 5,
				Burst:     10,
				Username:  "SterilityGarden",
			},
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  time.Minute,
				MaxDelay:   time.Hour,
			},
			DeliveryRetry: DeliveryRetryConfig{
				MaxAttempts: 2,
				Interval:    500 * time.Millisecond,
			},
			Worker: WorkerConfig{
				BatchSize:    50,
				PollInterval: 10 * time.Second,
				NumWorkers:   2,
				StuckAfter:   5 * time.Minute,
			},
		},
		Live: LiveConfig{
			Enabled:        true,
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxMessageSize: 4096,
		},
	}
}

// Load reads configuration. path may be empty; a missing .env file is ignored.
// Environment variables use the APP_ prefix and "__" for nesting,
// e.g. APP_DATABASE__URL or APP_NOTIFICATIONS__EMAIL__SMTP_HOST.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	switch c.Incidents.NumberFormat {
	case "daily", "facility":
	default:
		errs = append(errs, fmt.Errorf("incidents.number_format %q must be daily or facility", c.Incidents.NumberFormat))
	}
	if c.Incidents.StoreRetry.MaxAttempts < 1 {
		errs = append(errs, errors.New("incidents.store_retry.max_attempts must be positive"))
	}
	if c.Notifications.Retry.MaxRetries < 1 {
		errs = append(errs, errors.New("notifications.retry.max_retries must be positive"))
	}
	if c.Notifications.DeliveryRetry.MaxAttempts < 1 {
		errs = append(errs, errors.New("notifications.delivery_retry.max_attempts must be positive"))
	}
	for _, ch := range c.Notifications.DefaultChannels {
		if ch != "email" && ch != "webhook" {
			errs = append(errs, fmt.Errorf("notifications.default_channels: unknown channel %q", ch))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
