//go:build integration
// +build integration

package test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/channels/console"
	"github.com/MrEthical07/goVerify/identity/memidentity"
)

const integrationCode = "918273"

type integrationEnv struct {
	engine   *goVerify.Engine
	identity *memidentity.Provider
	email    *console.Adapter
	sms      *console.Adapter
}

func fastConfig() goVerify.Config {
	cfg := goVerify.DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Retry.BaseBackoff = 0
	cfg.Retry.MaxBackoff = 0
	cfg.Retry.ProviderBackoff = 0
	cfg.Security.EnumerationDelayMin = 0
	cfg.Security.EnumerationDelayMax = 0
	cfg.Delivery.ChannelPreference = []goVerify.ChannelType{goVerify.ChannelEmail, goVerify.ChannelSMS}
	return cfg
}

// newIntegrationEnv builds an engine over rdb with console channels and a
// seeded memory identity provider. Pass a nil identity to use the default.
func newIntegrationEnv(t *testing.T, rdb redis.UniversalClient, identity goVerify.IdentityProvider, mutate func(*goVerify.Config)) *integrationEnv {
	t.Helper()

	env := &integrationEnv{
		email: console.New(goVerify.ChannelEmail, zap.NewNop()),
		sms:   console.New(goVerify.ChannelSMS, zap.NewNop()),
	}
	if identity == nil {
		env.identity = memidentity.New(5)
		env.identity.Put(goVerify.ContactInfo{
			SubjectID:   "alice",
			Email:       "alice@example.com",
			Phone:       "+15555550123",
			Identifiers: []string{"alice", "alice@example.com"},
		})
		env.identity.Put(goVerify.ContactInfo{
			SubjectID: "bob",
			Email:     "bob@example.com",
		})
		identity = env.identity
	}

	cfg := fastConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := goVerify.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(identity).
		WithChannel(goVerify.ChannelEmail, env.email).
		WithChannel(goVerify.ChannelSMS, env.sms).
		WithCodeSource(func() (string, error) { return integrationCode, nil }).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	return env
}

func newMiniredis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return rdb
}
