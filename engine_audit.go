package goVerify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	internalflows "github.com/MrEthical07/goVerify/internal/flows"
)

const (
	auditEventCodeRequested             = "code_requested"
	auditEventCodeIssued                = "code_issued"
	auditEventCodeDeliveryFailed        = "code_delivery_failed"
	auditEventCodeVerified              = "code_verified"
	auditEventCodeRejected              = "code_rejected"
	auditEventCodeExpired               = "code_expired"
	auditEventAttemptsExceeded          = "attempts_exceeded"
	auditEventCredentialRejected        = "credential_rejected"
	auditEventCredentialCollected       = "credential_collected"
	auditEventCredentialUpdateSucceeded = "credential_update_succeeded"
	auditEventCredentialUpdateFailed    = "credential_update_failed"
	auditEventCredentialUpdateReplayed  = "credential_update_replayed"
	auditEventSessionAborted            = "session_aborted"
	auditEventSessionSuperseded         = "session_superseded"
	auditEventSessionClosedInput        = "session_closed_input"
	auditEventResetTokenExpired         = "reset_token_expired"
	auditEventRateLimitTriggered        = "rate_limit_triggered"
)

// AuditErrorCode is the stable, non-sensitive error code written to
// AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrInvalidCode        AuditErrorCode = "invalid_code"
	auditErrCodeExpired        AuditErrorCode = "code_expired"
	auditErrPolicyViolation    AuditErrorCode = "policy_violation"
	auditErrSessionClosed      AuditErrorCode = "session_closed"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrInvalidState       AuditErrorCode = "invalid_state"
	auditErrSessionBusy        AuditErrorCode = "session_busy"
	auditErrChannelUnavailable AuditErrorCode = "channel_unavailable"
	auditErrInvalidDestination AuditErrorCode = "invalid_destination"
	auditErrStoreUnavailable   AuditErrorCode = "store_unavailable"
	auditErrProviderTransient  AuditErrorCode = "provider_unavailable"
	auditErrProviderPermanent  AuditErrorCode = "provider_rejected"
	auditErrEntropy            AuditErrorCode = "entropy_unavailable"
	auditErrInvalidInput       AuditErrorCode = "invalid_input"
	auditErrCanceled           AuditErrorCode = "canceled"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(ctx context.Context, record internalflows.AuditRecord) {
	if e == nil || e.audit == nil {
		return
	}

	tenantID := record.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	var metadata map[string]string
	if record.Metadata != nil {
		metadata = record.Metadata()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: record.EventType,
		SessionID: record.SessionID,
		SubjectID: record.SubjectID,
		TenantID:  tenantID,
		IP:        clientIPFromContext(ctx),
		Channel:   record.Channel,
		FromState: internalflows.StateName(record.From),
		ToState:   internalflows.StateName(record.To),
		Outcome:   record.Outcome,
		Success:   record.Success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(record.Err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

// logFault records an infrastructure failure. Callers pass operation names,
// never secrets.
func (e *Engine) logFault(ctx context.Context, op string, err error) {
	if e == nil || e.logger == nil || err == nil {
		return
	}
	e.logger.Warn("verification fault",
		zap.String("op", op),
		zap.String("tenant_id", tenantIDFromContext(ctx)),
		zap.Error(err),
	)
}

func (e *Engine) onAuditDrop(event AuditEvent, reason string) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Error("audit event dropped",
		zap.String("event_type", event.EventType),
		zap.String("session_id", event.SessionID),
		zap.String("reason", reason),
	)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrInvalidCode):
		return auditErrInvalidCode
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrPolicyViolation):
		return auditErrPolicyViolation
	case errors.Is(err, ErrSessionClosed):
		return auditErrSessionClosed
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrInvalidState):
		return auditErrInvalidState
	case errors.Is(err, ErrSessionBusy):
		return auditErrSessionBusy
	case errors.Is(err, ErrInvalidDestination):
		return auditErrInvalidDestination
	case errors.Is(err, ErrChannelUnavailable):
		return auditErrChannelUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrStoreUnavailable
	case errors.Is(err, ErrProviderPermanentFailure):
		return auditErrProviderPermanent
	case errors.Is(err, ErrProviderUnavailable):
		return auditErrProviderTransient
	case errors.Is(err, ErrEntropySourceUnavailable):
		return auditErrEntropy
	case errors.Is(err, ErrInvalidInput):
		return auditErrInvalidInput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return auditErrCanceled
	case errors.Is(err, ErrEngineNotReady):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

func (e *Engine) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
