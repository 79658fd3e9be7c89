package goVerify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.InDelta(t, 3e-6, cfg.GuessProbability(), 1e-12)
}

func TestHighSecurityConfigNeedsPepper(t *testing.T) {
	cfg := HighSecurityConfig()
	require.Error(t, cfg.Validate())

	cfg.OTP.Pepper = []byte("0123456789abcdef")
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Session.RequireResetToken)
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short code", func(c *Config) { c.OTP.Length = 3 }},
		{"long code", func(c *Config) { c.OTP.Length = 13 }},
		{"duplicate alphabet", func(c *Config) { c.OTP.Alphabet = "1111" }},
		{"zero code ttl", func(c *Config) { c.OTP.CodeTTL = 0 }},
		{"zero attempts", func(c *Config) { c.OTP.MaxAttempts = 0 }},
		{"guessable", func(c *Config) {
			c.OTP.Length = 4
			c.OTP.MaxAttempts = 10
		}},
		{"empty prefix", func(c *Config) { c.Session.RedisPrefix = "  " }},
		{"zero reset ttl", func(c *Config) { c.ResetToken.TTL = 0 }},
		{"ip throttle without limit", func(c *Config) { c.RateLimit.IssuePerIP = 0 }},
		{"negative limit", func(c *Config) { c.RateLimit.VerifyPerSession = -1 }},
		{"policy max below min", func(c *Config) { c.Policy.MaxLength = 8 }},
		{"class minimums too large", func(c *Config) {
			c.Policy.MaxLength = 12
			c.Policy.MinSymbols = 12
		}},
		{"empty preference", func(c *Config) { c.Delivery.ChannelPreference = nil }},
		{"unknown channel", func(c *Config) { c.Delivery.ChannelPreference = []ChannelType{"fax"} }},
		{"template without code", func(c *Config) {
			c.Delivery.Templates[ChannelSMS] = "Your code expires in {{.Minutes}} minutes"
		}},
		{"template unknown field", func(c *Config) {
			c.Delivery.Templates[ChannelSMS] = "{{.Code}} {{.Secret}}"
		}},
		{"zero delivery attempts", func(c *Config) { c.Retry.DeliveryAttempts = 0 }},
		{"backoff inverted", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }},
		{"audit without buffer", func(c *Config) { c.Audit.BufferSize = 0 }},
		{"weak argon2 memory", func(c *Config) { c.Password.Memory = 1024 }},
		{"password bytes below policy", func(c *Config) { c.Password.MaxPasswordBytes = 64 }},
		{"inverted enumeration delay", func(c *Config) {
			c.Security.EnumerationDelayMin = time.Second
			c.Security.EnumerationDelayMax = time.Millisecond
		}},
		{"production without subject throttle", func(c *Config) {
			c.Security.ProductionMode = true
			c.OTP.Pepper = []byte("0123456789abcdef")
			c.RateLimit.IssuePerSubject = 0
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCloneConfigDetachesSlicesAndMaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OTP.Pepper = []byte("pepper")

	clone := cloneConfig(cfg)
	clone.OTP.Pepper[0] = 'X'
	clone.Delivery.Templates[ChannelSMS] = "changed {{.Code}}"
	clone.Delivery.ChannelPreference[0] = ChannelApp

	assert.Equal(t, "pepper", string(cfg.OTP.Pepper))
	assert.NotEqual(t, "changed {{.Code}}", cfg.Delivery.Templates[ChannelSMS])
	assert.Equal(t, ChannelSMS, cfg.Delivery.ChannelPreference[0])
}

func TestPublicMessageIsGeneric(t *testing.T) {
	assert.Empty(t, PublicMessage(nil))
	assert.Equal(t, PublicMessage(ErrSessionClosed), PublicMessage(ErrSessionNotFound))
	assert.Equal(t, "Something went wrong. Please try again.", PublicMessage(ErrStoreUnavailable))
	assert.NotContains(t, PublicMessage(NewPermanentProviderError("account_locked", nil)), "locked")
}
