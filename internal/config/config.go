package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "LICENSED"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Locking   LockingConfig   `yaml:"locking" envconfig:"LOCKING"`
	Discord   DiscordConfig   `yaml:"discord" envconfig:"DISCORD"`
	Telegram  TelegramConfig  `yaml:"telegram" envconfig:"TELEGRAM"`
	Scheduler SchedulerConfig `yaml:"scheduler" envconfig:"SCHEDULER"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Guard     GuardConfig     `yaml:"guard" envconfig:"GUARD"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AdminToken     string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	SigningSecret  string          `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig configures the per-client limiter on the validation endpoint
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// StorageConfig selects and configures the snapshot backend of the license store
type StorageConfig struct {
	Backend     string `yaml:"backend" envconfig:"BACKEND"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	SheetID     string `yaml:"sheet_id" envconfig:"SHEET_ID"`
	SheetRange  string `yaml:"sheet_range" envconfig:"SHEET_RANGE"`
	SheetsCreds string `yaml:"sheets_credentials" envconfig:"SHEETS_CREDENTIALS"`
}

// LockingConfig selects the per-key lock implementation
type LockingConfig struct {
	Backend       string        `yaml:"backend" envconfig:"BACKEND"`
	RedisAddr     string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" envconfig:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// DiscordConfig configures the chat-platform collaborator
type DiscordConfig struct {
	BotToken       string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	GuildID        string `yaml:"guild_id" envconfig:"GUILD_ID"`
	BuyerRoleID    string `yaml:"buyer_role_id" envconfig:"BUYER_ROLE_ID"`
	AdminChannelID string `yaml:"admin_channel_id" envconfig:"ADMIN_CHANNEL_ID"`
}

// Enabled reports whether a bot token was configured.
func (d DiscordConfig) Enabled() bool { return d.BotToken != "" }

// TelegramConfig configures the admin alert channel
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	AdminChatID int64  `yaml:"admin_chat_id" envconfig:"ADMIN_CHAT_ID"`
}

// Enabled reports whether admin alerts can be sent.
func (t TelegramConfig) Enabled() bool { return t.BotToken != "" && t.AdminChatID != 0 }

// SchedulerConfig configures the global expiry sweep
type SchedulerConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	SweepSpec string `yaml:"sweep_spec" envconfig:"SWEEP_SPEC"`
}

// TelemetryConfig toggles tracing and metrics
type TelemetryConfig struct {
	Environment   string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableTracing bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	TraceExporter string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	SampleRatio   float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// GuardConfig configures the client enforcement guard run by licensectl
type GuardConfig struct {
	ServerURL      string        `yaml:"server_url" envconfig:"SERVER_URL"`
	Key            string        `yaml:"key" envconfig:"KEY"`
	Identity       string        `yaml:"identity" envconfig:"IDENTITY"`
	Window         time.Duration `yaml:"window" envconfig:"WINDOW"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// Load reads configuration in increasing precedence: defaults, YAML file,
// .env file, process environment. An empty path searches the usual locations.
func Load(path string) (*Config, error) {
	// .env values never override variables that are already set
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	applyLegacyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values on cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyLegacyEnv honours the unprefixed variable names used by existing
// bot deployments when the prefixed form was not given.
func applyLegacyEnv(cfg *Config) {
	fallback := func(dst *string, names ...string) {
		if *dst != "" {
			return
		}
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				*dst = v
				return
			}
		}
	}

	fallback(&cfg.Discord.BotToken, "BOT_TOKEN")
	fallback(&cfg.Discord.GuildID, "GUILD_ID")
	fallback(&cfg.Discord.BuyerRoleID, "BUYER_ROLE_ID")
	fallback(&cfg.Discord.AdminChannelID, "ADMIN_CHANNEL_ID")

	if _, set := os.LookupEnv(EnvPrefix + "_SERVER_PORT"); !set {
		for _, name := range []string{"SERVER_PORT", "PORT"} {
			if v := os.Getenv(name); v != "" {
				if port, err := strconv.Atoi(v); err == nil {
					cfg.Server.Port = port
				}
				break
			}
		}
	}
}

// Validate checks the configuration for values the application cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "file":
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage.file_path is required for the file backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	case "sheets":
		if c.Storage.SheetID == "" || c.Storage.SheetsCreds == "" {
			return fmt.Errorf("storage.sheet_id and storage.sheets_credentials are required for the sheets backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	switch strings.ToLower(c.Locking.Backend) {
	case "local":
	case "redis":
		if c.Locking.RedisAddr == "" {
			return fmt.Errorf("locking.redis_addr is required for the redis backend")
		}
		if c.Locking.TTL <= 0 {
			return fmt.Errorf("locking.ttl must be positive")
		}
		if strings.ToLower(c.Storage.Backend) != "postgres" {
			return fmt.Errorf("locking backend redis requires the postgres storage backend, %q is single-instance", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown locking backend: %q", c.Locking.Backend)
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}

	if c.Guard.Window <= 0 {
		return fmt.Errorf("guard.window must be positive")
	}

	return nil
}

// getConfigFilePath returns the first config file found in the usual locations
func getConfigFilePath() string {
	locations := []string{
		"licensed.yaml",
		"configs/licensed.yaml",
		"../configs/licensed.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3850,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     5,
				Burst:   10,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/licensed.log",
		},
		Storage: StorageConfig{
			Backend:    "file",
			FilePath:   "licenses.json",
			SheetRange: "Licenses",
		},
		Locking: LockingConfig{
			Backend: "local",
			TTL:     10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			SweepSpec: "@every 1m",
		},
		Telemetry: TelemetryConfig{
			Environment:   "development",
			EnableTracing: false,
			EnableMetrics: true,
			TraceExporter: "stdout",
			SampleRatio:   1.0,
		},
		Guard: GuardConfig{
			ServerURL:      "http://localhost:3850",
			Window:         5 * time.Minute,
			RequestTimeout: 10 * time.Second,
		},
	}
}
