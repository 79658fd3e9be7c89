package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goVerify/internal/rate"
	"github.com/redis/go-redis/v9"
)

var (
	ErrVerificationRateLimited      = errors.New("verification rate limited")
	ErrVerificationRedisUnavailable = errors.New("verification redis unavailable")
)

// Scope names the limiter that denied a request. It is recorded in audit
// metadata only and never returned to callers.
type Scope string

const (
	ScopeIssueSubject Scope = "issue_subject"
	ScopeIssueIP      Scope = "issue_ip"
	ScopeVerify       Scope = "verify_session"
)

// DeniedError carries the denying scope alongside ErrVerificationRateLimited.
type DeniedError struct {
	Scope Scope
}

func (e *DeniedError) Error() string { return ErrVerificationRateLimited.Error() }

func (e *DeniedError) Unwrap() error { return ErrVerificationRateLimited }

type VerificationConfig struct {
	IssuePerSubject  int
	IssueWindow      time.Duration
	EnableIPThrottle bool
	IssuePerIP       int
	IssueIPWindow    time.Duration
	VerifyPerSession int
	VerifyWindow     time.Duration
	Now              func() time.Time
}

type VerificationLimiter struct {
	windows *rate.Windows
	config  VerificationConfig
}

func NewVerificationLimiter(redisClient redis.UniversalClient, cfg VerificationConfig) *VerificationLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &VerificationLimiter{
		windows: rate.New(redisClient),
		config:  cfg,
	}
}

// AllowIssue admits a code issuance for the subject. Subjects use a sliding
// window so a burst at a window edge cannot double the allowance.
func (l *VerificationLimiter) AllowIssue(ctx context.Context, tenantID, subjectID, ip string) error {
	if l == nil {
		return nil
	}
	if l.config.IssuePerSubject > 0 {
		err := l.windows.SlidingWindow(ctx, issueSubjectKey(tenantID, subjectID), l.config.IssuePerSubject, l.config.IssueWindow, l.config.Now())
		if err != nil {
			return mapRateError(err, ScopeIssueSubject)
		}
	}
	if l.config.EnableIPThrottle && ip != "" && l.config.IssuePerIP > 0 {
		err := l.windows.FixedWindow(ctx, issueIPKey(tenantID, ip), l.config.IssuePerIP, l.config.IssueIPWindow)
		if err != nil {
			return mapRateError(err, ScopeIssueIP)
		}
	}
	return nil
}

// AllowVerify reports whether the session may attempt another verification.
// It only reads the counter; failures are counted by RecordFailure.
func (l *VerificationLimiter) AllowVerify(ctx context.Context, tenantID, sessionID string) error {
	if l == nil || l.config.VerifyPerSession <= 0 {
		return nil
	}
	count, err := l.windows.Count(ctx, verifyKey(tenantID, sessionID))
	if err != nil {
		return mapRateError(err, ScopeVerify)
	}
	if count >= int64(l.config.VerifyPerSession) {
		return &DeniedError{Scope: ScopeVerify}
	}
	return nil
}

// RecordFailure counts one failed verification against the session.
func (l *VerificationLimiter) RecordFailure(ctx context.Context, tenantID, sessionID string) error {
	if l == nil || l.config.VerifyPerSession <= 0 {
		return nil
	}
	if _, err := l.windows.Increment(ctx, verifyKey(tenantID, sessionID), l.config.VerifyWindow); err != nil {
		return mapRateError(err, ScopeVerify)
	}
	return nil
}

// Failures returns the number of failures recorded for the session.
func (l *VerificationLimiter) Failures(ctx context.Context, tenantID, sessionID string) (int, error) {
	if l == nil {
		return 0, nil
	}
	count, err := l.windows.Count(ctx, verifyKey(tenantID, sessionID))
	if err != nil {
		return 0, mapRateError(err, ScopeVerify)
	}
	return int(count), nil
}

// ResetSession clears the session counter.
func (l *VerificationLimiter) ResetSession(ctx context.Context, tenantID, sessionID string) error {
	if l == nil {
		return nil
	}
	if err := l.windows.Reset(ctx, verifyKey(tenantID, sessionID)); err != nil {
		return mapRateError(err, ScopeVerify)
	}
	return nil
}

func mapRateError(err error, scope Scope) error {
	switch {
	case errors.Is(err, rate.ErrRateLimited):
		return &DeniedError{Scope: scope}
	case errors.Is(err, rate.ErrRedisUnavailable):
		return fmt.Errorf("%w: %v", ErrVerificationRedisUnavailable, err)
	default:
		return err
	}
}

func issueSubjectKey(tenantID, subjectID string) string {
	return "avis:" + normalizeTenantID(tenantID) + ":" + subjectID
}

func issueIPKey(tenantID, ip string) string {
	return "aviip:" + normalizeTenantID(tenantID) + ":" + ip
}

func verifyKey(tenantID, sessionID string) string {
	return "avv:" + normalizeTenantID(tenantID) + ":" + sessionID
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}
