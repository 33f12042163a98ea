// Package conf loads and validates platform configuration from a YAML file
// and environment overrides.
package conf

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tidemark-io/tidemark/internal/errors"
)

// Settings is the full platform configuration tree.
type Settings struct {
	Log       LogSettings       `mapstructure:"log"`
	Listen    ListenSettings    `mapstructure:"listen"`
	Store     StoreSettings     `mapstructure:"store"`
	Cache     CacheSettings     `mapstructure:"cache"`
	Broker    BrokerSettings    `mapstructure:"broker"`
	Datagram  DatagramSettings  `mapstructure:"datagram"`
	Queue     QueueSettings     `mapstructure:"queue"`
	Auth      AuthSettings      `mapstructure:"auth"`
	Ingest    IngestSettings    `mapstructure:"ingest"`
	Rules     RuleSettings      `mapstructure:"rules"`
	Alerts    AlertSettings     `mapstructure:"alerts"`
	Dispatch  DispatchSettings  `mapstructure:"dispatch"`
	Retention RetentionSettings `mapstructure:"retention"`
	Realtime  RealtimeSettings  `mapstructure:"realtime"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
}

type ListenSettings struct {
	Addr string `mapstructure:"addr"`
}

type StoreSettings struct {
	// DSN selects the driver by prefix: "file:" or a bare path means
	// sqlite, otherwise a mysql DSN.
	DSN string `mapstructure:"dsn"`
}

type CacheSettings struct {
	// DSN is a redis address ("redis://host:port/db"). Empty selects the
	// in-process cache.
	DSN string `mapstructure:"dsn"`
}

type BrokerSettings struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"client_id"`
}

type DatagramSettings struct {
	Addr string `mapstructure:"addr"`
}

type QueueSettings struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type AuthSettings struct {
	JWTSigningKey     string `mapstructure:"jwt_signing_key"`
	WebhookSecretSalt string `mapstructure:"webhook_secret_salt"`
}

type IngestSettings struct {
	Workers              int      `mapstructure:"workers"`
	QueueSize            int      `mapstructure:"queue_size"`
	MaxClockSkew         Duration `mapstructure:"max_clock_skew"`
	DedupWindow          Duration `mapstructure:"dedup_window"`
	DedupRingSize        int      `mapstructure:"dedup_ring_size"`
	BatchSize            int      `mapstructure:"batch_size"`
	BatchMaxAge          Duration `mapstructure:"batch_max_age"`
	SaturationHighWater  float64  `mapstructure:"saturation_high_water"`
	MaxTenantConcurrency int      `mapstructure:"max_tenant_concurrency"`
}

type RuleSettings struct {
	TickInterval       Duration `mapstructure:"tick_interval"`
	CheckpointInterval Duration `mapstructure:"checkpoint_interval"`
}

// SLATarget holds the deadlines applied to alerts of one severity.
type SLATarget struct {
	Ack     Duration `mapstructure:"ack"`
	Resolve Duration `mapstructure:"resolve"`
}

type AlertSettings struct {
	// SLA maps severity name (info, warning, high, critical) to deadlines.
	SLA          map[string]SLATarget `mapstructure:"sla"`
	AbandonAfter Duration             `mapstructure:"abandon_after"`
}

type DispatchSettings struct {
	Workers         int          `mapstructure:"workers"`
	MaxAttempts     int          `mapstructure:"max_attempts"`
	AttemptTimeout  Duration     `mapstructure:"attempt_timeout"`
	StepBudget      Duration     `mapstructure:"step_budget"`
	MinInterval     Duration     `mapstructure:"min_interval"`
	MaxConcurrency  int          `mapstructure:"max_concurrency"`
	MaxPayloadBytes int          `mapstructure:"max_payload_bytes"`
	InitialBackoff  Duration     `mapstructure:"initial_backoff"`
	MaxBackoff      Duration     `mapstructure:"max_backoff"`
	SMTP            SMTPSettings `mapstructure:"smtp"`
}

// SMTPSettings configures the email channel. An empty host disables it.
type SMTPSettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type RetentionSettings struct {
	FloorDays int `mapstructure:"floor_days"`
}

type RealtimeSettings struct {
	HeartbeatInterval Duration `mapstructure:"heartbeat_interval"`
	SubscriberBuffer  int      `mapstructure:"subscriber_buffer"`
}

// envBindings maps the documented environment variables onto config keys.
var envBindings = map[string]string{
	"listen.addr":                   "LISTEN_ADDR",
	"store.dsn":                     "STORE_DSN",
	"cache.dsn":                     "CACHE_DSN",
	"broker.url":                    "BROKER_URL",
	"auth.jwt_signing_key":          "JWT_SIGNING_KEY",
	"auth.webhook_secret_salt":      "WEBHOOK_SECRET_SALT",
	"retention.floor_days":          "RETENTION_FLOOR_DAYS",
	"ingest.max_tenant_concurrency": "MAX_TENANT_CONCURRENCY",
}

// Load reads settings from the given config file (optional) and the
// environment, applies defaults, and validates. Every failure carries the
// validation kind so the CLI maps it to the configuration exit code.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrap(errors.KindValidationFailed, "failed to bind "+env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.KindValidationFailed, "failed to read config "+configFile, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.Wrap(errors.KindValidationFailed, "failed to decode config", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Validate enforces required values. The retention floor has no
// compile-time default on purpose; deployments must set it explicitly.
func (s *Settings) Validate() error {
	if s.Store.DSN == "" {
		return errors.New(errors.KindValidationFailed, "store.dsn (STORE_DSN) is required")
	}
	if s.Auth.JWTSigningKey == "" {
		return errors.New(errors.KindValidationFailed, "auth.jwt_signing_key (JWT_SIGNING_KEY) is required")
	}
	if s.Auth.WebhookSecretSalt == "" {
		return errors.New(errors.KindValidationFailed, "auth.webhook_secret_salt (WEBHOOK_SECRET_SALT) is required")
	}
	if s.Retention.FloorDays <= 0 {
		return errors.New(errors.KindValidationFailed, "retention.floor_days (RETENTION_FLOOR_DAYS) is required and must be positive")
	}
	if s.Realtime.HeartbeatInterval.Std() > 30*time.Second {
		return errors.New(errors.KindValidationFailed, "realtime.heartbeat_interval must be 30s or less")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("listen.addr", ":8080")
	v.SetDefault("broker.client_id", "tidemark-ingest")
	v.SetDefault("queue.queue", "telemetry")

	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.queue_size", 4096)
	v.SetDefault("ingest.max_clock_skew", "5m")
	v.SetDefault("ingest.dedup_window", "2m")
	v.SetDefault("ingest.dedup_ring_size", 256)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.batch_max_age", "1s")
	v.SetDefault("ingest.saturation_high_water", 0.8)
	v.SetDefault("ingest.max_tenant_concurrency", 16)

	v.SetDefault("rules.tick_interval", "10s")
	v.SetDefault("rules.checkpoint_interval", "30s")

	v.SetDefault("alerts.abandon_after", "168h")
	v.SetDefault("alerts.sla", map[string]map[string]string{
		"info":     {"ack": "4h", "resolve": "24h"},
		"warning":  {"ack": "1h", "resolve": "8h"},
		"high":     {"ack": "15m", "resolve": "4h"},
		"critical": {"ack": "5m", "resolve": "1h"},
	})

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.attempt_timeout", "10s")
	v.SetDefault("dispatch.step_budget", "5m")
	v.SetDefault("dispatch.min_interval", "1s")
	v.SetDefault("dispatch.max_concurrency", 16)
	v.SetDefault("dispatch.max_payload_bytes", 262144)
	v.SetDefault("dispatch.initial_backoff", "500ms")
	v.SetDefault("dispatch.max_backoff", "30s")
	v.SetDefault("dispatch.smtp.port", 587)

	v.SetDefault("realtime.heartbeat_interval", "25s")
	v.SetDefault("realtime.subscriber_buffer", 64)
}
