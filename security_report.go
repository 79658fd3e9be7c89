package goVerify

import (
	"sort"

	"github.com/MrEthical07/goVerify/internal/security"
)

type SecurityReport = security.Report

type PasswordConfigReport = security.PasswordReport

// SecurityReport describes the engine's effective protections for startup
// logs and health endpoints.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	var channels []string
	for _, channel := range e.config.Delivery.ChannelPreference {
		if e.dispatcher != nil && e.dispatcher.Has(string(channel)) {
			channels = append(channels, string(channel))
		}
	}
	sort.Strings(channels)

	return security.BuildReport(security.ReportInput{
		ProductionMode:      e.config.Security.ProductionMode,
		CodeLength:          e.config.OTP.Length,
		AlphabetSize:        len(e.config.OTP.Alphabet),
		CodeTTL:             e.config.OTP.CodeTTL,
		MaxAttempts:         e.config.OTP.MaxAttempts,
		PepperLength:        len(e.config.OTP.Pepper),
		ResetTokenTTL:       e.config.ResetToken.TTL,
		RequireResetToken:   e.config.Session.RequireResetToken,
		IssuePerSubject:     e.config.RateLimit.IssuePerSubject,
		IssueWindow:         e.config.RateLimit.IssueWindow,
		EnableIPThrottle:    e.config.RateLimit.EnableIPThrottle,
		IssuePerIP:          e.config.RateLimit.IssuePerIP,
		EnumerationDelayMax: e.config.Security.EnumerationDelayMax,
		AsyncDelivery:       e.config.Delivery.Async,
		AuditEnabled:        e.config.Audit.Enabled,
		AuditDropIfFull:     e.config.Audit.DropIfFull,
		Password: security.PasswordReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
		Channels:  channels,
		LedgerTTL: e.config.Retry.LedgerTTL,
	})
}
