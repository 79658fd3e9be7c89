package goVerify

import (
	"text/template"
	"time"

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

// Engine runs OTP verification and credential-reset sessions. It is safe
// for concurrent use; all session state lives in Redis, so any number of
// engine replicas may serve the same session.
type Engine struct {
	config       Config
	clock        func() time.Time
	logger       *zap.Logger
	sessions     *stores.SessionStore
	index        *stores.SubjectIndex
	ledger       *stores.Ledger
	limiter      *limiters.VerificationLimiter
	codes        *otp.Generator
	codeSource   func() (string, error)
	dispatcher   *delivery.Dispatcher
	credentials  *credential.Client
	validator    *policy.Validator
	passwordHash *password.Argon2
	templates    map[ChannelType]*template.Template
	identity     IdentityProvider
	audit        *audit.Dispatcher
	metrics      *Metrics
}

// Close flushes buffered audit events. The engine must not be used after
// Close returns.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

// AuditDropped reports how many audit events were discarded because the
// buffer was full or the emitting context ended.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// PolicyRules returns the active credential policy so front ends can
// describe requirements up front.
func (e *Engine) PolicyRules() policy.Rules {
	if e == nil || e.validator == nil {
		return policy.DefaultRules()
	}
	return e.validator.Rules()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, d time.Duration) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, d)
}
