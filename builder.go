package goVerify

import (
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/goVerify/internal/audit"
	"github.com/MrEthical07/goVerify/internal/credential"
	"github.com/MrEthical07/goVerify/internal/delivery"
	"github.com/MrEthical07/goVerify/internal/limiters"
	"github.com/MrEthical07/goVerify/internal/otp"
	"github.com/MrEthical07/goVerify/internal/stores"
	"github.com/MrEthical07/goVerify/password"
	"github.com/MrEthical07/goVerify/policy"
)

// Builder assembles an Engine. Configure it once, call Build, and discard it.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identity   IdentityProvider
	channels   map[ChannelType]ChannelAdapter
	auditSink  AuditSink
	logger     *zap.Logger
	codeSource func() (string, error)
	clock      func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config:   defaultConfig(),
		channels: make(map[ChannelType]ChannelAdapter),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the store for sessions, limiter counters and the ledger.
// Standalone, cluster and sentinel clients are all accepted.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityProvider(provider IdentityProvider) *Builder {
	b.identity = provider
	return b
}

// WithChannel registers the adapter used for channel. Registering the same
// channel twice keeps the last adapter.
func (b *Builder) WithChannel(channel ChannelType, adapter ChannelAdapter) *Builder {
	if b.channels == nil {
		b.channels = make(map[ChannelType]ChannelAdapter)
	}
	b.channels[channel] = adapter
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the logger for infrastructure faults. The default
// discards everything.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithCodeSource replaces the random plaintext code with fn's output.
// Hashing, salting and storage are unchanged. Intended for tests.
func (b *Builder) WithCodeSource(fn func() (string, error)) *Builder {
	b.codeSource = fn
	return b
}

// WithClock overrides the engine's time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. A Builder can be
// built only once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.identity == nil {
		return nil, errors.New("identity provider required")
	}

	registered := 0
	for _, channel := range cfg.Delivery.ChannelPreference {
		if b.channels[channel] != nil {
			registered++
		}
	}
	if registered == 0 {
		return nil, errors.New("at least one channel adapter from Delivery ChannelPreference must be registered")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	engine := &Engine{
		config:     cfg,
		clock:      clock,
		logger:     logger.Named("goverify"),
		identity:   b.identity,
		codeSource: b.codeSource,
		metrics:    NewMetrics(cfg.Metrics),
	}

	// -------- STORES --------
	engine.sessions = stores.NewSessionStore(b.redis, cfg.Session.RedisPrefix)
	engine.index = stores.NewSubjectIndex(b.redis, cfg.Session.RedisPrefix)
	engine.ledger = stores.NewLedger(b.redis, cfg.Session.RedisPrefix)

	verifyPerSession := cfg.RateLimit.VerifyPerSession
	if verifyPerSession == 0 {
		verifyPerSession = cfg.OTP.MaxAttempts
	}
	engine.limiter = limiters.NewVerificationLimiter(b.redis, limiters.VerificationConfig{
		IssuePerSubject:  cfg.RateLimit.IssuePerSubject,
		IssueWindow:      cfg.RateLimit.IssueWindow,
		EnableIPThrottle: cfg.RateLimit.EnableIPThrottle,
		IssuePerIP:       cfg.RateLimit.IssuePerIP,
		IssueIPWindow:    cfg.RateLimit.IssueIPWindow,
		VerifyPerSession: verifyPerSession,
		VerifyWindow:     cfg.OTP.CodeTTL + cfg.Session.RetentionGrace,
		Now:              clock,
	})

	// -------- SECRETS --------
	engine.codes = otp.New(cfg.OTP.Pepper)

	ph, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph
	engine.validator = policy.New(cfg.Policy.rules(), ph)

	// -------- DELIVERY --------
	engine.dispatcher = delivery.NewDispatcher(delivery.Config{
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
		MaxAttempts:    cfg.Retry.DeliveryAttempts,
		BaseBackoff:    cfg.Retry.BaseBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	})
	for channel, adapter := range b.channels {
		if adapter != nil {
			engine.dispatcher.Register(string(channel), adapter)
		}
	}
	engine.dispatcher.OnRetry(func(channel string, attempt int, err error) {
		engine.metricInc(MetricDeliveryRetry)
		engine.logger.Info("delivery retry",
			zap.String("channel", channel),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	})

	engine.templates = make(map[ChannelType]*template.Template, len(cfg.Delivery.Templates))
	for channel, src := range cfg.Delivery.Templates {
		tmpl, err := template.New(string(channel)).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("Delivery Templates[%s]: %w", channel, err)
		}
		engine.templates[channel] = tmpl
	}

	// -------- CREDENTIAL UPDATES --------
	engine.credentials = &credential.Client{
		Update:      b.identity.UpdateCredential,
		Classify:    classifyProviderError,
		Ledger:      credentialLedger{ledger: engine.ledger, ttl: cfg.Retry.LedgerTTL, now: clock},
		MaxAttempts: cfg.Retry.ProviderAttempts,
		BaseBackoff: cfg.Retry.ProviderBackoff,
		OnRetry: func(attempt int, err error) {
			engine.metricInc(MetricProviderRetry)
			engine.logger.Info("credential update retry", zap.Int("attempt", attempt), zap.Error(err))
		},
	}

	// -------- AUDIT --------
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop: func(event AuditEvent, reason audit.DropReason) {
			engine.metricInc(MetricAuditDropped)
			engine.onAuditDrop(event, string(reason))
		},
	}, b.auditSink)

	b.built = true

	return engine, nil
}
