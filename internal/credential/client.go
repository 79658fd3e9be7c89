package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransient = errors.New("credential update transient failure")
	ErrPermanent = errors.New("credential update permanent failure")
)

// Kind classifies an update failure.
type Kind uint8

const (
	Transient Kind = iota
	Permanent
)

type Request struct {
	TenantID       string
	SessionID      string
	SubjectID      string
	CredentialHash string
	IdempotencyKey string
}

type Outcome struct {
	Attempts int
	Replayed bool
}

// Ledger remembers applied idempotency keys.
type Ledger interface {
	Applied(ctx context.Context, tenantID, idempotencyKey string) (bool, error)
	MarkApplied(ctx context.Context, req Request, attempts int) error
}

type Client struct {
	Update      func(ctx context.Context, subjectID, credentialHash, idempotencyKey string) error
	Classify    func(error) Kind
	Ledger      Ledger
	MaxAttempts int
	BaseBackoff time.Duration
	Sleep       func(context.Context, time.Duration) error
	OnRetry     func(attempt int, err error)
}

// Execute applies the update at most once per idempotency key. Permanent
// failures stop immediately; transient ones (including deadline expiry) are
// retried up to MaxAttempts.
func (c *Client) Execute(ctx context.Context, req Request) (Outcome, error) {
	if c == nil || c.Update == nil {
		return Outcome{}, fmt.Errorf("%w: no update function", ErrPermanent)
	}
	if req.IdempotencyKey == "" {
		return Outcome{}, fmt.Errorf("%w: missing idempotency key", ErrPermanent)
	}

	if c.Ledger != nil {
		applied, err := c.Ledger.Applied(ctx, req.TenantID, req.IdempotencyKey)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if applied {
			return Outcome{Replayed: true}, nil
		}
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.Update(ctx, req.SubjectID, req.CredentialHash, req.IdempotencyKey)
		if err == nil {
			if c.Ledger != nil {
				// The provider already applied the change; a ledger write
				// failure must not turn that into a retry.
				_ = c.Ledger.MarkApplied(context.WithoutCancel(ctx), req, attempt)
			}
			return Outcome{Attempts: attempt}, nil
		}

		if c.classify(err) == Permanent {
			return Outcome{Attempts: attempt}, fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		lastErr = err

		if attempt == maxAttempts || ctx.Err() != nil {
			return Outcome{Attempts: attempt}, fmt.Errorf("%w: %w", ErrTransient, lastErr)
		}
		if c.OnRetry != nil {
			c.OnRetry(attempt, err)
		}
		if err := sleep(ctx, c.BaseBackoff<<(attempt-1)); err != nil {
			return Outcome{Attempts: attempt}, fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}

	return Outcome{}, fmt.Errorf("%w: %w", ErrTransient, lastErr)
}

func (c *Client) classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if c.Classify == nil {
		return Transient
	}
	return c.Classify(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
