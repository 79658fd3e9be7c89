// Command verifyd serves the goVerify reset workflow over HTTP.
//
// Configuration comes from an optional YAML file (-config or
// VERIFYD_CONFIG) overlaid with VERIFYD_* environment variables. With
// VERIFYD_DEV=true it runs against an embedded miniredis, logs codes through
// console channels and seeds an in-memory identity provider, so it needs no
// external services:
//
//	VERIFYD_DEV=true go run ./cmd/verifyd
//
//	curl -s localhost:8080/api/v1/verifications \
//	  -d '{"subject_id":"demo","channel":"email"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/auditsink/mongosink"
	"github.com/MrEthical07/goVerify/channels/console"
	"github.com/MrEthical07/goVerify/channels/sendgrid"
	"github.com/MrEthical07/goVerify/channels/smtp"
	"github.com/MrEthical07/goVerify/channels/telegram"
	"github.com/MrEthical07/goVerify/identity/httpidentity"
	"github.com/MrEthical07/goVerify/identity/memidentity"
	"github.com/MrEthical07/goVerify/identity/pgidentity"
	"github.com/MrEthical07/goVerify/jwt"
	"github.com/MrEthical07/goVerify/metrics/export/prometheus"
	"github.com/MrEthical07/goVerify/middleware"
)

func main() {
	configPath := flag.String("config", os.Getenv("VERIFYD_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, seeds, err := loadConfig(*configPath, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verifyd:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log, cfg.Dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verifyd: logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, seeds, logger); err != nil {
		logger.Fatal("verifyd stopped", zap.Error(err))
	}
}

func newLogger(cfg LogConfig, dev bool) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Development || dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg Config, seeds []SeedSubject, logger *zap.Logger) error {
	var cleanup closers
	defer cleanup.run()

	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	// ---------- redis ----------
	rdb, err := openRedis(cfg, &cleanup)
	if err != nil {
		return err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// ---------- identity ----------
	identity, identityHealth, err := openIdentity(ctx, cfg, seeds, logger, &cleanup)
	if err != nil {
		return err
	}

	// ---------- audit ----------
	sink, err := openAuditSink(ctx, cfg.Audit, logger, &cleanup)
	if err != nil {
		return err
	}

	// ---------- engine ----------
	builder := goVerify.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithIdentityProvider(identity).
		WithLogger(logger)
	if sink != nil {
		builder = builder.WithAuditSink(sink)
	}
	adapters, err := openChannels(cfg.Channels, logger)
	if err != nil {
		return err
	}
	for channel, adapter := range adapters {
		builder = builder.WithChannel(channel, adapter)
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	cleanup.add(engine.Close)

	// ---------- http ----------
	proxies, err := cfg.trustedProxies()
	if err != nil {
		return err
	}
	srv := &server{
		engine: engine,
		logger: logger.Named("http"),
		health: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			if identityHealth != nil {
				return identityHealth(ctx)
			}
			return nil
		},
	}
	if cfg.Metrics.Enabled {
		srv.metrics = prometheus.NewPrometheusExporter(engine).Handler()
	}

	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: srv.routes(routerOptions{
			Context: middleware.ContextOptions{
				TenantHeader:   cfg.HTTP.TenantHeader,
				TrustedProxies: proxies,
			},
			MetricsPath: cfg.Metrics.Path,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("dev", cfg.Dev))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openRedis(cfg Config, cleanup *closers) (redis.UniversalClient, error) {
	if cfg.Dev {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("miniredis: %w", err)
		}
		cleanup.add(mr.Close)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cleanup.add(func() { _ = rdb.Close() })
		return rdb, nil
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cleanup.add(func() { _ = rdb.Close() })
	return rdb, nil
}

func openIdentity(ctx context.Context, cfg Config, seeds []SeedSubject, logger *zap.Logger, cleanup *closers) (goVerify.IdentityProvider, func(context.Context) error, error) {
	switch cfg.Identity.Kind {
	case "postgres":
		provider, err := pgidentity.Connect(ctx, cfg.Identity.PostgresDSN, pgidentity.WithHistoryDepth(cfg.Identity.HistoryDepth))
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(provider.Close)
		return provider, provider.Ping, nil

	case "http":
		signer, err := jwt.NewManager(jwt.Config{
			TTL:           cfg.Identity.AssertionTTL,
			SigningMethod: jwt.MethodHS256,
			PrivateKey:    []byte(cfg.Identity.AssertionKey),
			Issuer:        cfg.Identity.Issuer,
			Audience:      cfg.Identity.Audience,
			KeyID:         cfg.Identity.KeyID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("assertion signer: %w", err)
		}
		client, err := httpidentity.New(httpidentity.Config{
			BaseURL: cfg.Identity.BaseURL,
			Signer:  signer,
			Timeout: cfg.Identity.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil

	default:
		provider := memidentity.New(cfg.Identity.HistoryDepth)
		if len(seeds) == 0 && cfg.Dev {
			seeds = []SeedSubject{{
				ID:          "demo",
				Phone:       "+15555550100",
				Email:       "demo@example.com",
				AppChatID:   "100200300",
				Identifiers: []string{"demo", "demo@example.com"},
			}}
		}
		for _, s := range seeds {
			channels := make([]goVerify.ChannelType, 0, len(s.Channels))
			for _, ch := range s.Channels {
				channels = append(channels, goVerify.ChannelType(ch))
			}
			provider.Put(goVerify.ContactInfo{
				SubjectID:         s.ID,
				Phone:             s.Phone,
				Email:             s.Email,
				AppChatID:         s.AppChatID,
				ChannelsAvailable: channels,
				Identifiers:       s.Identifiers,
			})
		}
		logger.Info("memory identity provider", zap.Int("subjects", len(seeds)))
		return provider, nil, nil
	}
}

func openAuditSink(ctx context.Context, cfg AuditConfig, logger *zap.Logger, cleanup *closers) (goVerify.AuditSink, error) {
	switch cfg.Sink {
	case "none":
		return nil, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		cleanup.add(func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		})
		coll := client.Database(cfg.Database).Collection(cfg.Collection)
		if err := mongosink.EnsureIndexes(ctx, coll, cfg.Retention); err != nil {
			return nil, fmt.Errorf("audit indexes: %w", err)
		}
		return mongosink.New(coll, mongosink.WithLogger(logger)), nil
	default:
		return goVerify.NewZapSink(logger), nil
	}
}

func openChannels(cfg ChannelsConfig, logger *zap.Logger) (map[goVerify.ChannelType]goVerify.ChannelAdapter, error) {
	out := make(map[goVerify.ChannelType]goVerify.ChannelAdapter, 3)

	switch cfg.Email {
	case "", "none":
	case "console":
		out[goVerify.ChannelEmail] = console.New(goVerify.ChannelEmail, logger)
	case "sendgrid":
		adapter, err := sendgrid.New(sendgrid.Config{
			APIKey:      cfg.SendGrid.APIKey,
			FromName:    cfg.FromName,
			FromAddress: cfg.From,
			Subject:     cfg.Subject,
			Host:        cfg.SendGrid.Host,
		})
		if err != nil {
			return nil, err
		}
		out[goVerify.ChannelEmail] = adapter
	case "smtp":
		adapter, err := smtp.New(smtp.Config{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			FromAddress: cfg.From,
			Subject:     cfg.Subject,
		})
		if err != nil {
			return nil, err
		}
		out[goVerify.ChannelEmail] = adapter
	default:
		return nil, fmt.Errorf("unknown email channel %q", cfg.Email)
	}

	switch cfg.SMS {
	case "", "none":
	case "console":
		out[goVerify.ChannelSMS] = console.New(goVerify.ChannelSMS, logger)
	default:
		return nil, fmt.Errorf("unknown sms channel %q", cfg.SMS)
	}

	switch cfg.App {
	case "", "none":
	case "console":
		out[goVerify.ChannelApp] = console.New(goVerify.ChannelApp, logger)
	case "telegram":
		adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token})
		if err != nil {
			return nil, err
		}
		logger.Info("telegram bot ready", zap.String("username", adapter.Username()))
		out[goVerify.ChannelApp] = adapter
	default:
		return nil, fmt.Errorf("unknown app channel %q", cfg.App)
	}

	return out, nil
}
