package main

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	goVerify "github.com/MrEthical07/goVerify"
)

const envPrefix = "VERIFYD_"

// Config is loaded from defaults, then an optional YAML file, then
// VERIFYD_* environment variables.
type Config struct {
	Dev      bool           `yaml:"dev" env:"DEV"`
	HTTP     HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Engine   EngineConfig   `yaml:"engine" envPrefix:"ENGINE_"`
	Channels ChannelsConfig `yaml:"channels" envPrefix:"CHANNEL_"`
	Identity IdentityConfig `yaml:"identity" envPrefix:"IDENTITY_"`
	Audit    AuditConfig    `yaml:"audit" envPrefix:"AUDIT_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	TenantHeader    string        `yaml:"tenant_header" env:"TENANT_HEADER"`
	TrustedProxies  []string      `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs" env:"ADDRS" envSeparator:","`
	Password string   `yaml:"password" env:"PASSWORD"`
	DB       int      `yaml:"db" env:"DB"`
}

type EngineConfig struct {
	Preset            string        `yaml:"preset" env:"PRESET"`
	RedisPrefix       string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	Pepper            string        `yaml:"pepper" env:"PEPPER"`
	CodeLength        int           `yaml:"code_length" env:"CODE_LENGTH"`
	CodeTTL           time.Duration `yaml:"code_ttl" env:"CODE_TTL"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	ResetTokenTTL     time.Duration `yaml:"reset_token_ttl" env:"RESET_TOKEN_TTL"`
	RequireResetToken bool          `yaml:"require_reset_token" env:"REQUIRE_RESET_TOKEN"`
	ChannelPreference []string      `yaml:"channel_preference" env:"CHANNEL_PREFERENCE" envSeparator:","`
	Purpose           string        `yaml:"purpose" env:"PURPOSE"`
	AsyncDelivery     bool          `yaml:"async_delivery" env:"ASYNC_DELIVERY"`
	ProductionMode    bool          `yaml:"production_mode" env:"PRODUCTION_MODE"`
}

type ChannelsConfig struct {
	// Email selects "sendgrid", "smtp" or "console".
	Email    string         `yaml:"email" env:"EMAIL"`
	SMS      string         `yaml:"sms" env:"SMS"`
	App      string         `yaml:"app" env:"APP"`
	Subject  string         `yaml:"subject" env:"SUBJECT"`
	From     string         `yaml:"from" env:"FROM"`
	FromName string         `yaml:"from_name" env:"FROM_NAME"`
	SendGrid SendGridConfig `yaml:"sendgrid" envPrefix:"SENDGRID_"`
	SMTP     SMTPConfig     `yaml:"smtp" envPrefix:"SMTP_"`
	Telegram TelegramConfig `yaml:"telegram" envPrefix:"TELEGRAM_"`
}

type SendGridConfig struct {
	APIKey string `yaml:"api_key" env:"API_KEY"`
	Host   string `yaml:"host" env:"HOST"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type TelegramConfig struct {
	Token string `yaml:"token" env:"TOKEN"`
}

type IdentityConfig struct {
	// Kind selects "memory", "postgres" or "http".
	Kind         string `yaml:"kind" env:"KIND"`
	HistoryDepth int    `yaml:"history_depth" env:"HISTORY_DEPTH"`

	// PostgresDSN is migrated on startup.
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`

	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	AssertionKey string        `yaml:"assertion_key" env:"ASSERTION_KEY"`
	AssertionTTL time.Duration `yaml:"assertion_ttl" env:"ASSERTION_TTL"`
	Issuer       string        `yaml:"issuer" env:"ISSUER"`
	Audience     string        `yaml:"audience" env:"AUDIENCE"`
	KeyID        string        `yaml:"key_id" env:"KEY_ID"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// fileConfig is the YAML layout. Seed subjects have no environment form.
type fileConfig struct {
	Config   `yaml:",inline"`
	Subjects []SeedSubject `yaml:"subjects"`
}

// SeedSubject is loaded into the memory identity provider at startup.
type SeedSubject struct {
	ID          string   `yaml:"id"`
	Phone       string   `yaml:"phone"`
	Email       string   `yaml:"email"`
	AppChatID   string   `yaml:"app_chat_id"`
	Channels    []string `yaml:"channels"`
	Identifiers []string `yaml:"identifiers"`
}

type AuditConfig struct {
	// Sink selects "zap", "mongo" or "none".
	Sink       string        `yaml:"sink" env:"SINK"`
	MongoURI   string        `yaml:"mongo_uri" env:"MONGO_URI"`
	Database   string        `yaml:"database" env:"DATABASE"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Retention  time.Duration `yaml:"retention" env:"RETENTION"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	Path       string `yaml:"path" env:"PATH"`
	Histograms bool   `yaml:"histograms" env:"HISTOGRAMS"`
}

func defaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			TenantHeader:    "X-Tenant-ID",
		},
		Log:   LogConfig{Level: "info"},
		Redis: RedisConfig{Addrs: []string{"localhost:6379"}},
		Engine: EngineConfig{
			Preset: "default",
		},
		Channels: ChannelsConfig{
			Email:   "console",
			SMS:     "console",
			App:     "console",
			Subject: "Your verification code",
		},
		Identity: IdentityConfig{
			Kind:         "memory",
			HistoryDepth: 5,
			AssertionTTL: time.Minute,
			Timeout:      5 * time.Second,
		},
		Audit: AuditConfig{
			Sink:       "zap",
			Database:   "goverify",
			Collection: "audit_events",
			Retention:  90 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// loadConfig applies path (if non-empty) and the environment on top of the
// defaults. A nil environ reads the process environment.
func loadConfig(path string, environ map[string]string) (Config, []SeedSubject, error) {
	fc := fileConfig{Config: defaultConfig()}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	cfg := fc.Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, fc.Subjects, nil
}

func (c Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http addr required")
	}
	if _, err := c.trustedProxies(); err != nil {
		return err
	}
	if !c.Dev && len(c.Redis.Addrs) == 0 {
		return errors.New("redis addrs required outside dev mode")
	}
	switch c.Identity.Kind {
	case "memory":
	case "postgres":
		if c.Identity.PostgresDSN == "" {
			return errors.New("identity postgres_dsn required")
		}
	case "http":
		if c.Identity.BaseURL == "" || c.Identity.AssertionKey == "" || c.Identity.Audience == "" {
			return errors.New("identity base_url, assertion_key and audience required")
		}
	default:
		return fmt.Errorf("unknown identity kind %q", c.Identity.Kind)
	}
	switch c.Audit.Sink {
	case "zap", "none":
	case "mongo":
		if c.Audit.MongoURI == "" {
			return errors.New("audit mongo_uri required")
		}
	default:
		return fmt.Errorf("unknown audit sink %q", c.Audit.Sink)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics path must start with /")
	}
	return nil
}

func (c Config) trustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.HTTP.TrustedProxies))
	for _, raw := range c.HTTP.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// engineConfig maps the service settings onto a goVerify.Config.
func (c Config) engineConfig() (goVerify.Config, error) {
	var cfg goVerify.Config
	switch c.Engine.Preset {
	case "", "default":
		cfg = goVerify.DefaultConfig()
	case "high_security":
		cfg = goVerify.HighSecurityConfig()
	default:
		return goVerify.Config{}, fmt.Errorf("unknown engine preset %q", c.Engine.Preset)
	}

	e := c.Engine
	if e.RedisPrefix != "" {
		cfg.Session.RedisPrefix = e.RedisPrefix
	}
	if e.Pepper != "" {
		cfg.OTP.Pepper = []byte(e.Pepper)
	}
	if e.CodeLength > 0 {
		cfg.OTP.Length = e.CodeLength
	}
	if e.CodeTTL > 0 {
		cfg.OTP.CodeTTL = e.CodeTTL
	}
	if e.MaxAttempts > 0 {
		cfg.OTP.MaxAttempts = e.MaxAttempts
	}
	if e.ResetTokenTTL > 0 {
		cfg.ResetToken.TTL = e.ResetTokenTTL
	}
	if e.RequireResetToken {
		cfg.Session.RequireResetToken = true
	}
	if e.ProductionMode {
		cfg.Security.ProductionMode = true
	}
	if len(e.ChannelPreference) > 0 {
		cfg.Delivery.ChannelPreference = cfg.Delivery.ChannelPreference[:0]
		for _, ch := range e.ChannelPreference {
			cfg.Delivery.ChannelPreference = append(cfg.Delivery.ChannelPreference, goVerify.ChannelType(strings.TrimSpace(ch)))
		}
	}
	if e.Purpose != "" {
		cfg.Delivery.Purpose = e.Purpose
	}
	cfg.Delivery.Async = e.AsyncDelivery
	cfg.Policy.HistoryDepth = c.Identity.HistoryDepth
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = c.Metrics.Histograms

	if err := cfg.Validate(); err != nil {
		return goVerify.Config{}, err
	}
	return cfg, nil
}
