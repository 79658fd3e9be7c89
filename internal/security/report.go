package security

import (
	"math"
	"time"
)

type PasswordReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Report summarizes the protective settings of a running engine. It never
// contains secrets; PepperConfigured only says whether one was supplied.
type Report struct {
	ProductionMode      bool
	CodeLength          int
	AlphabetSize        int
	CodeTTL             time.Duration
	MaxAttempts         int
	GuessProbability    float64
	PepperConfigured    bool
	ResetTokenTTL       time.Duration
	ResetTokenRequired  bool
	IssueThrottle       bool
	IPThrottle          bool
	EnumerationPadding  bool
	AsyncDelivery       bool
	AuditEnabled        bool
	AuditMayDrop        bool
	Argon2              PasswordReport
	ChannelsRegistered  []string
	IdempotencyLedgerOn bool
}

type ReportInput struct {
	ProductionMode      bool
	CodeLength          int
	AlphabetSize        int
	CodeTTL             time.Duration
	MaxAttempts         int
	PepperLength        int
	ResetTokenTTL       time.Duration
	RequireResetToken   bool
	IssuePerSubject     int
	IssueWindow         time.Duration
	EnableIPThrottle    bool
	IssuePerIP          int
	EnumerationDelayMax time.Duration
	AsyncDelivery       bool
	AuditEnabled        bool
	AuditDropIfFull     bool
	Password            PasswordReport
	Channels            []string
	LedgerTTL           time.Duration
}

func BuildReport(input ReportInput) Report {
	var guess float64
	if input.AlphabetSize > 0 && input.CodeLength > 0 {
		guess = float64(input.MaxAttempts) / math.Pow(float64(input.AlphabetSize), float64(input.CodeLength))
	}

	channels := make([]string, len(input.Channels))
	copy(channels, input.Channels)

	return Report{
		ProductionMode:      input.ProductionMode,
		CodeLength:          input.CodeLength,
		AlphabetSize:        input.AlphabetSize,
		CodeTTL:             input.CodeTTL,
		MaxAttempts:         input.MaxAttempts,
		GuessProbability:    guess,
		PepperConfigured:    input.PepperLength > 0,
		ResetTokenTTL:       input.ResetTokenTTL,
		ResetTokenRequired:  input.RequireResetToken,
		IssueThrottle:       input.IssuePerSubject > 0 && input.IssueWindow > 0,
		IPThrottle:          input.EnableIPThrottle && input.IssuePerIP > 0,
		EnumerationPadding:  input.EnumerationDelayMax > 0,
		AsyncDelivery:       input.AsyncDelivery,
		AuditEnabled:        input.AuditEnabled,
		AuditMayDrop:        input.AuditEnabled && input.AuditDropIfFull,
		Argon2:              input.Password,
		ChannelsRegistered:  channels,
		IdempotencyLedgerOn: input.LedgerTTL > 0,
	}
}
