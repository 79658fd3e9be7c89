package goVerify

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/MrEthical07/goVerify/internal/otp"
	"github.com/MrEthical07/goVerify/policy"
)

// Config holds every tunable of the verification engine. Start from
// DefaultConfig and override fields; Build validates the result.
type Config struct {
	OTP        OTPConfig
	Session    SessionConfig
	ResetToken ResetTokenConfig
	RateLimit  RateLimitConfig
	Policy     PolicyConfig
	Delivery   DeliveryConfig
	Retry      RetryConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Password   PasswordConfig
	Security   SecurityConfig
}

/*
====================================
OTP CONFIG
====================================
*/

// OTPConfig controls issued codes. Pepper is mixed into every code hash and
// should come from a secret store in production.
type OTPConfig struct {
	Length      int
	Alphabet    string
	CodeTTL     time.Duration
	MaxAttempts int
	Pepper      []byte
}

/*
====================================
SESSION CONFIG
====================================
*/

type SessionConfig struct {
	RedisPrefix string
	// RetentionGrace is added to the latest live deadline to form the record TTL.
	RetentionGrace time.Duration
	// TombstoneTTL is how long secret-free terminal records are kept.
	TombstoneTTL time.Duration
	// RequireResetToken refuses bare session ids after verification.
	RequireResetToken bool
	// LeaseTTL bounds a single ConfirmAndExecute run.
	LeaseTTL time.Duration
}

/*
====================================
RESET TOKEN CONFIG
====================================
*/

type ResetTokenConfig struct {
	TTL time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

type RateLimitConfig struct {
	IssuePerSubject  int
	IssueWindow      time.Duration
	EnableIPThrottle bool
	IssuePerIP       int
	IssueIPWindow    time.Duration
	// VerifyPerSession defaults to OTP.MaxAttempts when zero.
	VerifyPerSession int
}

/*
====================================
POLICY CONFIG
====================================
*/

type PolicyConfig struct {
	MinLength                int
	MaxLength                int
	MinUpper                 int
	MinLower                 int
	MinDigits                int
	MinSymbols               int
	RejectSubjectIdentifiers bool
	HistoryDepth             int
}

func (p PolicyConfig) rules() policy.Rules {
	return policy.Rules{
		MinLength:                p.MinLength,
		MaxLength:                p.MaxLength,
		MinUpper:                 p.MinUpper,
		MinLower:                 p.MinLower,
		MinDigits:                p.MinDigits,
		MinSymbols:               p.MinSymbols,
		RejectSubjectIdentifiers: p.RejectSubjectIdentifiers,
		HistoryDepth:             p.HistoryDepth,
	}
}

/*
====================================
DELIVERY CONFIG
====================================
*/

// DeliveryConfig controls message rendering and dispatch. Templates are
// text/template sources keyed by channel and receive .Code, .Minutes and
// .Purpose.
type DeliveryConfig struct {
	ChannelPreference []ChannelType
	Templates         map[ChannelType]string
	Purpose           string
	Async             bool
	AttemptTimeout    time.Duration
}

/*
====================================
RETRY CONFIG
====================================
*/

type RetryConfig struct {
	DeliveryAttempts int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	ProviderAttempts int
	ProviderBackoff  time.Duration
	StoreAttempts    int
	LedgerTTL        time.Duration
}

/*
====================================
AUDIT CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters for collected credentials.
type PasswordConfig struct {
	Memory           uint32 // KB
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MaxPasswordBytes int
}

/*
====================================
SECURITY CONFIG
====================================
*/

type SecurityConfig struct {
	ProductionMode bool
	// Unknown subjects are answered after a random delay in this range.
	EnumerationDelayMin time.Duration
	EnumerationDelayMax time.Duration
	// MaxGuessProbability bounds MaxAttempts / |alphabet|^length.
	MaxGuessProbability float64
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns the recommended baseline.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		OTP: OTPConfig{
			Length:      6,
			Alphabet:    otp.AlphabetNumeric,
			CodeTTL:     10 * time.Minute,
			MaxAttempts: 3,
		},
		Session: SessionConfig{
			RedisPrefix:    "gv",
			RetentionGrace: 10 * time.Minute,
			TombstoneTTL:   15 * time.Minute,
			LeaseTTL:       30 * time.Second,
		},
		ResetToken: ResetTokenConfig{
			TTL: 3 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			IssuePerSubject:  3,
			IssueWindow:      15 * time.Minute,
			EnableIPThrottle: true,
			IssuePerIP:       20,
			IssueIPWindow:    15 * time.Minute,
		},
		Policy: PolicyConfig{
			MinLength:                12,
			MaxLength:                128,
			MinUpper:                 1,
			MinLower:                 1,
			MinDigits:                1,
			MinSymbols:               1,
			RejectSubjectIdentifiers: true,
			HistoryDepth:             5,
		},
		Delivery: DeliveryConfig{
			ChannelPreference: []ChannelType{ChannelSMS, ChannelEmail, ChannelApp},
			Templates: map[ChannelType]string{
				ChannelSMS:   "Your {{.Purpose}} code is {{.Code}}. It expires in {{.Minutes}} minutes.",
				ChannelEmail: "Your {{.Purpose}} code is {{.Code}}.\n\nIt expires in {{.Minutes}} minutes. If you did not request it, ignore this message.",
				ChannelApp:   "{{.Purpose}} code: {{.Code}} (valid {{.Minutes}} min)",
			},
			Purpose:        "password reset",
			AttemptTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			DeliveryAttempts: 3,
			BaseBackoff:      200 * time.Millisecond,
			MaxBackoff:       2 * time.Second,
			ProviderAttempts: 3,
			ProviderBackoff:  200 * time.Millisecond,
			StoreAttempts:    2,
			LedgerTTL:        24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: false,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Password: PasswordConfig{
			Memory:           64 * 1024,
			Time:             3,
			Parallelism:      2,
			SaltLength:       16,
			KeyLength:        32,
			MaxPasswordBytes: 1024,
		},
		Security: SecurityConfig{
			ProductionMode:      false,
			EnumerationDelayMin: 20 * time.Millisecond,
			EnumerationDelayMax: 40 * time.Millisecond,
			MaxGuessProbability: 1e-4,
		},
	}
}

// HighSecurityConfig tightens the defaults: longer codes, shorter TTLs,
// mandatory reset tokens and stronger argon2 parameters. It enables
// ProductionMode, so OTP.Pepper must be set before Build.
func HighSecurityConfig() Config {
	cfg := defaultConfig()
	cfg.OTP.Length = 8
	cfg.OTP.CodeTTL = 5 * time.Minute
	cfg.OTP.MaxAttempts = 3
	cfg.Session.RequireResetToken = true
	cfg.ResetToken.TTL = 2 * time.Minute
	cfg.RateLimit.IssuePerSubject = 2
	cfg.RateLimit.IssuePerIP = 10
	cfg.Policy.MinLength = 14
	cfg.Policy.HistoryDepth = 10
	cfg.Password.Memory = 128 * 1024
	cfg.Password.Time = 4
	cfg.Security.ProductionMode = true
	cfg.Security.MaxGuessProbability = 1e-6
	return cfg
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.OTP.Pepper = cloneBytes(cfg.OTP.Pepper)
	if cfg.Delivery.ChannelPreference != nil {
		out.Delivery.ChannelPreference = append([]ChannelType(nil), cfg.Delivery.ChannelPreference...)
	}
	if cfg.Delivery.Templates != nil {
		out.Delivery.Templates = make(map[ChannelType]string, len(cfg.Delivery.Templates))
		for k, v := range cfg.Delivery.Templates {
			out.Delivery.Templates[k] = v
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// GuessProbability is the chance that an attacker exhausting every attempt
// guesses a single code.
func (c *Config) GuessProbability() float64 {
	n := len(c.OTP.Alphabet)
	if n == 0 || c.OTP.Length <= 0 {
		return 1
	}
	return float64(c.OTP.MaxAttempts) / math.Pow(float64(n), float64(c.OTP.Length))
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// OTP
	if c.OTP.Length < otp.MinLength || c.OTP.Length > otp.MaxLength {
		return fmt.Errorf("OTP Length must be between %d and %d", otp.MinLength, otp.MaxLength)
	}
	if err := otp.ValidateAlphabet(c.OTP.Alphabet); err != nil {
		return errors.New("OTP Alphabet must contain 2 to 64 distinct characters")
	}
	if c.OTP.CodeTTL <= 0 {
		return errors.New("OTP CodeTTL must be > 0")
	}
	if c.OTP.MaxAttempts < 1 {
		return errors.New("OTP MaxAttempts must be >= 1")
	}
	if c.OTP.MaxAttempts > math.MaxUint16 {
		return errors.New("OTP MaxAttempts is too large")
	}
	if c.Security.MaxGuessProbability <= 0 || c.Security.MaxGuessProbability >= 1 {
		return errors.New("Security MaxGuessProbability must be in (0, 1)")
	}
	if c.GuessProbability() > c.Security.MaxGuessProbability {
		return fmt.Errorf("OTP guess probability %.2g exceeds %.2g; increase Length or reduce MaxAttempts",
			c.GuessProbability(), c.Security.MaxGuessProbability)
	}
	if c.Security.ProductionMode && len(c.OTP.Pepper) < 16 {
		return errors.New("OTP Pepper must be >= 16 bytes in production mode")
	}

	// Session
	if strings.TrimSpace(c.Session.RedisPrefix) == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.RetentionGrace <= 0 {
		return errors.New("Session RetentionGrace must be > 0")
	}
	if c.Session.TombstoneTTL <= 0 {
		return errors.New("Session TombstoneTTL must be > 0")
	}
	if c.Session.LeaseTTL <= 0 {
		return errors.New("Session LeaseTTL must be > 0")
	}

	// Reset token
	if c.ResetToken.TTL <= 0 {
		return errors.New("ResetToken TTL must be > 0")
	}

	// Rate limits
	if c.RateLimit.IssuePerSubject < 0 || c.RateLimit.IssuePerIP < 0 || c.RateLimit.VerifyPerSession < 0 {
		return errors.New("RateLimit limits must be >= 0")
	}
	if c.RateLimit.IssuePerSubject > 0 && c.RateLimit.IssueWindow <= 0 {
		return errors.New("RateLimit IssueWindow must be > 0 when IssuePerSubject is set")
	}
	if c.RateLimit.EnableIPThrottle && (c.RateLimit.IssuePerIP <= 0 || c.RateLimit.IssueIPWindow <= 0) {
		return errors.New("RateLimit IssuePerIP and IssueIPWindow must be > 0 when EnableIPThrottle is true")
	}
	if c.Security.ProductionMode && c.RateLimit.IssuePerSubject == 0 {
		return errors.New("RateLimit IssuePerSubject must be > 0 in production mode")
	}

	// Policy
	if c.Policy.MinLength < 1 {
		return errors.New("Policy MinLength must be >= 1")
	}
	if c.Policy.MaxLength < c.Policy.MinLength {
		return errors.New("Policy MaxLength must be >= MinLength")
	}
	if c.Policy.MinUpper < 0 || c.Policy.MinLower < 0 || c.Policy.MinDigits < 0 || c.Policy.MinSymbols < 0 {
		return errors.New("Policy character class minimums must be >= 0")
	}
	if c.Policy.MinUpper+c.Policy.MinLower+c.Policy.MinDigits+c.Policy.MinSymbols > c.Policy.MaxLength {
		return errors.New("Policy character class minimums exceed MaxLength")
	}
	if c.Policy.HistoryDepth < 0 {
		return errors.New("Policy HistoryDepth must be >= 0")
	}

	// Delivery
	if len(c.Delivery.ChannelPreference) == 0 {
		return errors.New("Delivery ChannelPreference must not be empty")
	}
	for _, channel := range c.Delivery.ChannelPreference {
		if channel != ChannelSMS && channel != ChannelEmail && channel != ChannelApp {
			return fmt.Errorf("Delivery ChannelPreference contains unknown channel %q", channel)
		}
	}
	for channel, src := range c.Delivery.Templates {
		tmpl, err := template.New(string(channel)).Option("missingkey=error").Parse(src)
		if err != nil {
			return fmt.Errorf("Delivery Templates[%s] is invalid: %v", channel, err)
		}
		if err := tmpl.Execute(io.Discard, messageData{Code: "000000", Minutes: 1, Purpose: "test"}); err != nil {
			return fmt.Errorf("Delivery Templates[%s] is invalid: %v", channel, err)
		}
		if !strings.Contains(src, ".Code") {
			return fmt.Errorf("Delivery Templates[%s] must reference .Code", channel)
		}
	}
	if c.Delivery.AttemptTimeout <= 0 {
		return errors.New("Delivery AttemptTimeout must be > 0")
	}

	// Retry
	if c.Retry.DeliveryAttempts < 1 || c.Retry.ProviderAttempts < 1 || c.Retry.StoreAttempts < 1 {
		return errors.New("Retry attempts must be >= 1")
	}
	if c.Retry.BaseBackoff < 0 || c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		return errors.New("Retry MaxBackoff must be >= BaseBackoff >= 0")
	}
	if c.Retry.ProviderBackoff < 0 {
		return errors.New("Retry ProviderBackoff must be >= 0")
	}
	if c.Retry.LedgerTTL <= 0 {
		return errors.New("Retry LedgerTTL must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MaxPasswordBytes < c.Policy.MaxLength {
		return errors.New("Password MaxPasswordBytes must be >= Policy MaxLength")
	}

	// Security
	if c.Security.EnumerationDelayMin < 0 || c.Security.EnumerationDelayMax < c.Security.EnumerationDelayMin {
		return errors.New("Security EnumerationDelayMax must be >= EnumerationDelayMin >= 0")
	}

	return nil
}
