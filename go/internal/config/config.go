// Package config builds the process configuration once at startup. Values
// come from defaults, then an optional YAML file named by CLOWBOT_CONFIG,
// then environment variables (a .env file is loaded first when present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/dbconfig"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/adapters"
)

type Config struct {
	AppEnv       string `yaml:"app_env"`
	LogLevel     string `yaml:"log_level"`
	Port         string `yaml:"port"`
	AdminToken   string `yaml:"admin_token"`
	AuthDisabled bool   `yaml:"auth_disabled"`

	DB dbconfig.Config `yaml:"-"`

	Worker      WorkerConfig      `yaml:"worker"`
	NATS        NATSConfig        `yaml:"nats"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	GitHub      GitHubConfig      `yaml:"github"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type WorkerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	ListenerEnabled bool          `yaml:"listener_enabled"`
	HealthPort      string        `yaml:"health_port"`
}

type NATSConfig struct {
	URL          string `yaml:"url"`
	AuditStream  string `yaml:"audit_stream"`
	AuditSubject string `yaml:"audit_subject"`
}

type ObjectStoreConfig struct {
	BaseURL string `yaml:"base_url"`
}

type BootstrapConfig struct {
	GateEnabled bool `yaml:"gate_enabled"`
	MaxAgeHours int  `yaml:"max_age_hours"`
}

type OutboxConfig struct {
	RealSendEnabled   bool          `yaml:"real_send_enabled"`
	PolicyLiftEnabled bool          `yaml:"policy_lift_enabled"`
	AdapterTimeout    time.Duration `yaml:"adapter_timeout"`
}

type GitHubConfig struct {
	Token   string `yaml:"token"`
	APIBase string `yaml:"api_base"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	APIBase  string `yaml:"api_base"`
	// DefaultChatID is used by send actions that name no target.
	DefaultChatID string `yaml:"default_chat_id"`
}

type TracingConfig struct {
	// Output is a file path, "-" for stdout, or empty to disable.
	Output string `yaml:"output"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		AppEnv:   "dev",
		LogLevel: "info",
		Port:     "8080",
		Worker: WorkerConfig{
			PollInterval:    5 * time.Second,
			BatchSize:       25,
			ListenerEnabled: true,
			HealthPort:      "8081",
		},
		NATS: NATSConfig{
			AuditStream:  "CLOWBOT_AUDIT",
			AuditSubject: "clowbot.audit",
		},
		ObjectStore: ObjectStoreConfig{BaseURL: "file:///tmp/clowbot/objects"},
		Bootstrap:   BootstrapConfig{GateEnabled: true, MaxAgeHours: 24},
		Outbox: OutboxConfig{
			PolicyLiftEnabled: true,
			AdapterTimeout:    10 * time.Second,
		},
		GitHub:   GitHubConfig{APIBase: "https://api.github.com"},
		Telegram: TelegramConfig{APIBase: "https://api.telegram.org"},
	}
}

// Load reads .env, the optional YAML overlay and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := Default()
	if path := os.Getenv("CLOWBOT_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.DB = dbconfig.NewConfigFromEnv()

	if cfg.Worker.BatchSize <= 0 {
		return Config{}, fmt.Errorf("worker batch size must be positive, got %d", cfg.Worker.BatchSize)
	}
	if cfg.Worker.PollInterval <= 0 {
		return Config{}, fmt.Errorf("worker poll interval must be positive, got %s", cfg.Worker.PollInterval)
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envString(&c.AppEnv, "APP_ENV")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.Port, "PORT")
	envString(&c.AdminToken, "ADMIN_TOKEN")
	envBool(&c.AuthDisabled, "AUTH_DISABLED")

	envDuration(&c.Worker.PollInterval, "WORKER_POLL_INTERVAL")
	envInt(&c.Worker.BatchSize, "WORKER_BATCH_SIZE")
	envBool(&c.Worker.ListenerEnabled, "WORKER_LISTENER_ENABLED")
	envString(&c.Worker.HealthPort, "WORKER_HEALTH_PORT")

	envString(&c.NATS.URL, "NATS_URL")
	envString(&c.NATS.AuditStream, "NATS_AUDIT_STREAM")
	envString(&c.NATS.AuditSubject, "NATS_AUDIT_SUBJECT")

	envString(&c.ObjectStore.BaseURL, "OBJECT_STORE_URL")

	envBool(&c.Bootstrap.GateEnabled, "BOOTSTRAP_GATE_ENABLED")
	envInt(&c.Bootstrap.MaxAgeHours, "BOOTSTRAP_MAX_AGE_HOURS")

	envBool(&c.Outbox.RealSendEnabled, "OUTBOX_REAL_SEND_ENABLED")
	envBool(&c.Outbox.PolicyLiftEnabled, "OUTBOX_POLICY_LIFT_ENABLED")
	envDuration(&c.Outbox.AdapterTimeout, "ADAPTER_TIMEOUT")

	envString(&c.GitHub.Token, "GITHUB_TOKEN")
	envString(&c.GitHub.APIBase, "GITHUB_API_BASE")
	envString(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	envString(&c.Telegram.APIBase, "TELEGRAM_API_BASE")
	envString(&c.Telegram.DefaultChatID, "TELEGRAM_DEFAULT_CHAT_ID")

	envString(&c.Tracing.Output, "TRACE_OUTPUT")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer config value")
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-boolean config value")
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-duration config value")
		}
	}
}

// BootstrapMaxAge is the freshness window as a duration.
func (c Config) BootstrapMaxAge() time.Duration {
	return time.Duration(c.Bootstrap.MaxAgeHours) * time.Hour
}

// Adapters is the provider configuration the outbox adapters need.
func (c Config) Adapters() adapters.Config {
	return adapters.Config{
		RealSendEnabled:  c.Outbox.RealSendEnabled,
		Timeout:          c.Outbox.AdapterTimeout,
		GitHubToken:      c.GitHub.Token,
		GitHubAPIBase:    c.GitHub.APIBase,
		TelegramBotToken: c.Telegram.BotToken,
		TelegramAPIBase:  c.Telegram.APIBase,
	}
}

func (c Config) Dispatcher() outbox.DispatcherConfig {
	return outbox.DispatcherConfig{
		BootstrapGateEnabled: c.Bootstrap.GateEnabled,
		PolicyLiftEnabled:    c.Outbox.PolicyLiftEnabled,
		AdapterTimeout:       c.Outbox.AdapterTimeout,
	}
}

// JetStream returns the audit stream settings, or false when NATS is not
// configured and audit events stay in the database only.
func (c Config) JetStream() (audit.JetStreamConfig, bool) {
	js := audit.DefaultJetStreamConfig()
	if c.NATS.URL == "" {
		return js, false
	}
	js.URL = c.NATS.URL
	js.StreamName = c.NATS.AuditStream
	js.SubjectPrefix = c.NATS.AuditSubject
	return js, true
}
