package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrChannelUnavailable = errors.New("delivery channel unavailable")
	ErrInvalidDestination = errors.New("invalid delivery destination")
)

// Receipt describes an accepted message.
type Receipt struct {
	Channel    string
	ProviderID string
	Attempts   int
	AcceptedAt time.Time
}

// Adapter transmits one message over a concrete channel.
type Adapter interface {
	Send(ctx context.Context, destination, message string) (Receipt, error)
}

// Result is delivered on the channel returned by SendAsync.
type Result struct {
	Receipt Receipt
	Err     error
}

type Config struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher routes messages to adapters by channel tag. It only sees
// destinations and rendered strings.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	cfg      Config
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	onRetry  func(channel string, attempt int, err error)
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	return &Dispatcher{
		adapters: make(map[string]Adapter),
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Register binds an adapter to a channel tag, replacing any previous one.
func (d *Dispatcher) Register(channel string, adapter Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if adapter == nil {
		delete(d.adapters, channel)
		return
	}
	d.adapters[channel] = adapter
}

// Has reports whether an adapter is registered for channel.
func (d *Dispatcher) Has(channel string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.adapters[channel]
	return ok
}

// OnRetry installs a hook invoked before every retry.
func (d *Dispatcher) OnRetry(fn func(channel string, attempt int, err error)) {
	d.onRetry = fn
}

// Send delivers the message with bounded retries. Destination errors are
// terminal; everything else is retried and finally reported as
// ErrChannelUnavailable.
func (d *Dispatcher) Send(ctx context.Context, channel, destination, message string) (Receipt, error) {
	d.mu.RLock()
	adapter, ok := d.adapters[channel]
	d.mu.RUnlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: no adapter for %q", ErrChannelUnavailable, channel)
	}
	if destination == "" {
		return Receipt{}, ErrInvalidDestination
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		receipt, err := d.attempt(ctx, adapter, destination, message)
		if err == nil {
			receipt.Channel = channel
			receipt.Attempts = attempt
			if receipt.AcceptedAt.IsZero() {
				receipt.AcceptedAt = d.now()
			}
			return receipt, nil
		}
		if errors.Is(err, ErrInvalidDestination) {
			return Receipt{Channel: channel, Attempts: attempt}, err
		}
		lastErr = err

		if attempt == d.cfg.MaxAttempts {
			break
		}
		if d.onRetry != nil {
			d.onRetry(channel, attempt, err)
		}
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	if errors.Is(lastErr, ErrChannelUnavailable) {
		return Receipt{Channel: channel}, lastErr
	}
	return Receipt{Channel: channel}, fmt.Errorf("%w: %v", ErrChannelUnavailable, lastErr)
}

// SendAsync runs Send in the background. The returned channel receives
// exactly one Result. The caller's cancellation does not stop delivery; the
// retry budget and per-attempt timeout still bound it.
func (d *Dispatcher) SendAsync(ctx context.Context, channel, destination, message string) <-chan Result {
	out := make(chan Result, 1)
	detached := context.WithoutCancel(ctx)

	go func() {
		receipt, err := d.Send(detached, channel, destination, message)
		out <- Result{Receipt: receipt, Err: err}
		close(out)
	}()

	return out
}

func (d *Dispatcher) attempt(ctx context.Context, adapter Adapter, destination, message string) (Receipt, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return adapter.Send(attemptCtx, destination, message)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if d.cfg.BaseBackoff <= 0 {
		return 0
	}
	wait := d.cfg.BaseBackoff << (attempt - 1)
	if d.cfg.MaxBackoff > 0 && (wait > d.cfg.MaxBackoff || wait <= 0) {
		wait = d.cfg.MaxBackoff
	}
	return wait
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
