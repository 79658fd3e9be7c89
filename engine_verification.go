package goVerify

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrEthical07/goVerify/internal"
	"github.com/MrEthical07/goVerify/internal/credential"
	"github.com/MrEthical07/goVerify/internal/delivery"
	internalflows "github.com/MrEthical07/goVerify/internal/flows"
	"github.com/MrEthical07/goVerify/internal/limiters"
	"github.com/MrEthical07/goVerify/internal/otp"
	"github.com/MrEthical07/goVerify/internal/stores"
)

// RequestCode starts (or continues) a verification session for subjectID
// and sends a fresh code over channel. An empty channel picks the first
// entry of Delivery.ChannelPreference.
//
// The result is shaped identically whether or not the subject exists or
// owns the channel, so callers can show it to anonymous users.
func (e *Engine) RequestCode(ctx context.Context, subjectID string, channel ChannelType) (RequestCodeResult, error) {
	out, err := internalflows.RunRequestCode(ctx, subjectID, string(channel), e.verificationFlowDeps())
	if err != nil {
		return RequestCodeResult{}, err
	}
	return RequestCodeResult{
		SessionID:         out.SessionID,
		Channel:           ChannelType(out.Channel),
		MaskedDestination: out.MaskedDestination,
		ExpiresAt:         out.ExpiresAt,
	}, nil
}

// SubmitCode checks candidate against the live code of sessionID. Wrong
// codes return CodeRejected with a nil error until the attempt ceiling is
// reached, at which point the session is aborted and CodeAborted returned.
func (e *Engine) SubmitCode(ctx context.Context, sessionID, candidate string) (SubmitCodeResult, error) {
	out, err := internalflows.RunSubmitCode(ctx, sessionID, candidate, e.verificationFlowDeps())
	if err != nil {
		return SubmitCodeResult{}, err
	}
	return SubmitCodeResult{
		Status:              CodeStatus(out.Status),
		ResetToken:          out.ResetToken,
		ResetTokenExpiresAt: out.ResetTokenExpiresAt,
		AttemptsRemaining:   out.AttemptsRemaining,
	}, nil
}

// SubmitNewCredential validates candidate against the credential policy and
// stores its hash on a verified session. ref is the reset token returned by
// SubmitCode, or the bare session id unless Session.RequireResetToken is set.
func (e *Engine) SubmitNewCredential(ctx context.Context, ref, candidate string) (CredentialResult, error) {
	out, err := internalflows.RunSubmitCredential(ctx, ref, candidate, e.verificationFlowDeps())
	if err != nil {
		return CredentialResult{}, err
	}
	return CredentialResult{
		Status:              CredentialStatus(out.Status),
		Violations:          out.Violations,
		ResetTokenExpiresAt: out.ResetTokenExpiresAt,
	}, nil
}

// ConfirmAndExecute applies the collected credential through the identity
// provider. Repeating the call after success returns ExecuteCompleted with
// Replayed set and never updates the provider twice.
func (e *Engine) ConfirmAndExecute(ctx context.Context, ref string) (ExecuteResult, error) {
	out, err := internalflows.RunConfirmAndExecute(ctx, ref, e.verificationFlowDeps())
	result := ExecuteResult{
		Status:   ExecuteStatus(out.Status),
		Replayed: out.Replayed,
	}
	if err != nil && result.Status == "" {
		return ExecuteResult{}, err
	}
	return result, err
}

// Abort closes a non-terminal session. Aborting a closed session returns
// ErrSessionClosed.
func (e *Engine) Abort(ctx context.Context, ref string) error {
	return internalflows.RunAbort(ctx, ref, e.verificationFlowDeps())
}

// Session returns a secret-free view of sessionID.
func (e *Engine) Session(ctx context.Context, sessionID string) (SessionView, error) {
	snap, err := internalflows.RunInspect(ctx, sessionID, e.verificationFlowDeps())
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{
		SessionID:           snap.SessionID,
		State:               SessionState(snap.State),
		Channel:             ChannelType(snap.Channel),
		MaskedDestination:   snap.MaskedDestination,
		CodeExpiresAt:       snap.CodeExpiresAt,
		ResetTokenExpiresAt: snap.ResetTokenExpiresAt,
		AttemptsRemaining:   snap.AttemptsRemaining,
		ClosedReason:        snap.ClosedReason,
		CreatedAt:           snap.CreatedAt,
		UpdatedAt:           snap.UpdatedAt,
	}, nil
}

func (e *Engine) verificationFlowDeps() internalflows.VerificationDeps {
	if e == nil {
		return internalflows.VerificationDeps{
			Errors: verificationFlowErrors(),
		}
	}

	preference := make([]string, 0, len(e.config.Delivery.ChannelPreference))
	for _, channel := range e.config.Delivery.ChannelPreference {
		preference = append(preference, string(channel))
	}

	return internalflows.VerificationDeps{
		CodeTTL:           e.config.OTP.CodeTTL,
		MaxAttempts:       e.config.OTP.MaxAttempts,
		ResetTokenTTL:     e.config.ResetToken.TTL,
		RetentionGrace:    e.config.Session.RetentionGrace,
		TombstoneTTL:      e.config.Session.TombstoneTTL,
		LeaseTTL:          e.config.Session.LeaseTTL,
		RequireResetToken: e.config.Session.RequireResetToken,
		AsyncDelivery:     e.config.Delivery.Async,
		ChannelPreference: preference,

		TenantIDFromContext: tenantIDFromContext,
		ClientIPFromContext: clientIPFromContext,
		Now:                 e.now,

		LookupContact:         e.lookupContact,
		IsSubjectNotFound:     func(err error) bool { return errors.Is(err, ErrSubjectNotFound) },
		HasChannel:            e.dispatcher.Has,
		MaskDestination:       maskDestination,
		FakeDestination:       fakeDestination,
		SleepEnumerationDelay: e.sleepEnumerationDelay,

		NewSessionID: func() (string, error) {
			sid, err := internal.NewSessionID()
			if err != nil {
				return "", err
			}
			return sid.String(), nil
		},
		GetSession: func(ctx context.Context, tenantID, sessionID string) (*stores.SessionRecord, error) {
			var record *stores.SessionRecord
			err := e.retryRead(ctx, func() error {
				var err error
				record, err = e.sessions.Get(ctx, tenantID, sessionID)
				return err
			})
			return record, err
		},
		PutSession:    e.sessions.Put,
		MutateSession: e.sessions.Mutate,
		ActiveSession: func(ctx context.Context, tenantID, subjectID string) (string, error) {
			var sessionID string
			err := e.retryRead(ctx, func() error {
				var err error
				sessionID, err = e.index.Active(ctx, tenantID, subjectID)
				return err
			})
			return sessionID, err
		},
		SwapActive:  e.index.Swap,
		TouchActive: e.index.Touch,
		ClearActive: e.index.Clear,

		AllowIssue:      e.limiter.AllowIssue,
		AllowVerify:     e.limiter.AllowVerify,
		RecordFailure:   e.limiter.RecordFailure,
		ResetVerify:     e.limiter.ResetSession,
		LimiterScope:    limiterScope,
		MapLimiterError: mapLimiterError,
		MapStoreError:   mapStoreError,

		NewSalt:    e.codes.NewSalt,
		IssueCode:  e.issueCode,
		HashCode:   e.codes.Hash,
		EqualHash:  otp.Equal,
		RandomHash: func() ([32]byte, error) { return internal.NewResetSecret() },
		NewResetToken: func(sessionID string) (string, [32]byte, error) {
			secret, err := internal.NewResetSecret()
			if err != nil {
				return "", [32]byte{}, err
			}
			token, err := internal.EncodeResetToken(sessionID, secret)
			if err != nil {
				return "", [32]byte{}, err
			}
			return token, internal.HashResetSecret(secret), nil
		},
		ParseResetToken: func(token string) (string, [32]byte, error) {
			sessionID, secret, err := internal.DecodeResetToken(token)
			if err != nil {
				return "", [32]byte{}, err
			}
			return sessionID, internal.HashResetSecret(secret), nil
		},
		IsResetToken: internal.IsResetToken,

		RenderMessage:        e.renderMessage,
		Deliver:              e.dispatcher.Send,
		DeliverAsync:         e.dispatcher.SendAsync,
		IsInvalidDestination: func(err error) bool { return errors.Is(err, delivery.ErrInvalidDestination) },

		ValidateCredential: e.validator.Validate,
		HashCredential:     e.passwordHash.Hash,
		IdempotencyKey:     internal.IdempotencyKey,
		ExecuteUpdate:      e.credentials.Execute,
		AcquireLease:       e.ledger.AcquireLease,
		ReleaseLease:       e.ledger.ReleaseLease,
		NewLeaseOwner:      func() string { return uuid.NewString() },

		MetricInc:      func(id int) { e.metricInc(MetricID(id)) },
		ObserveLatency: func(d time.Duration) { e.metricObserve(MetricVerifyLatency, d) },
		EmitAudit:      e.emitAudit,
		LogFault:       e.logFault,

		Metrics: internalflows.VerificationMetrics{
			CodeRequested:            int(MetricCodeRequested),
			CodeIssued:               int(MetricCodeIssued),
			CodeDeliveryFailed:       int(MetricCodeDeliveryFailed),
			CodeVerified:             int(MetricCodeVerified),
			CodeRejected:             int(MetricCodeRejected),
			CodeExpired:              int(MetricCodeExpired),
			AttemptsExceeded:         int(MetricAttemptsExceeded),
			RateLimitHit:             int(MetricRateLimitHit),
			CredentialRejected:       int(MetricCredentialRejected),
			CredentialCollected:      int(MetricCredentialCollected),
			CredentialUpdateSuccess:  int(MetricCredentialUpdateSuccess),
			CredentialUpdateFailure:  int(MetricCredentialUpdateFailure),
			CredentialUpdateReplayed: int(MetricCredentialUpdateReplayed),
			SessionAborted:           int(MetricSessionAborted),
			SessionClosedInput:       int(MetricSessionClosedInput),
		},
		Events: internalflows.VerificationEvents{
			CodeRequested:             auditEventCodeRequested,
			CodeIssued:                auditEventCodeIssued,
			CodeDeliveryFailed:        auditEventCodeDeliveryFailed,
			CodeVerified:              auditEventCodeVerified,
			CodeRejected:              auditEventCodeRejected,
			CodeExpired:               auditEventCodeExpired,
			AttemptsExceeded:          auditEventAttemptsExceeded,
			CredentialRejected:        auditEventCredentialRejected,
			CredentialCollected:       auditEventCredentialCollected,
			CredentialUpdateSucceeded: auditEventCredentialUpdateSucceeded,
			CredentialUpdateFailed:    auditEventCredentialUpdateFailed,
			CredentialUpdateReplayed:  auditEventCredentialUpdateReplayed,
			SessionAborted:            auditEventSessionAborted,
			SessionSuperseded:         auditEventSessionSuperseded,
			SessionClosedInput:        auditEventSessionClosedInput,
			ResetTokenExpired:         auditEventResetTokenExpired,
			RateLimitTriggered:        auditEventRateLimitTriggered,
		},
		Errors: verificationFlowErrors(),
	}
}

func verificationFlowErrors() internalflows.VerificationErrors {
	return internalflows.VerificationErrors{
		EngineNotReady:           ErrEngineNotReady,
		InvalidInput:             ErrInvalidInput,
		RateLimited:              ErrRateLimited,
		SessionClosed:            ErrSessionClosed,
		SessionNotFound:          ErrSessionNotFound,
		InvalidState:             ErrInvalidState,
		SessionBusy:              ErrSessionBusy,
		ChannelUnavailable:       ErrChannelUnavailable,
		InvalidDestination:       ErrInvalidDestination,
		StoreUnavailable:         ErrStoreUnavailable,
		ProviderUnavailable:      ErrProviderUnavailable,
		ProviderPermanentFailure: ErrProviderPermanentFailure,
		EntropySourceUnavailable: ErrEntropySourceUnavailable,
		InvalidCode:              ErrInvalidCode,
		CodeExpired:              ErrCodeExpired,
		PolicyViolation:          ErrPolicyViolation,
	}
}

/*
====================================
CONTACTS AND MESSAGES
====================================
*/

func (e *Engine) lookupContact(ctx context.Context, subjectID string) (internalflows.Contact, error) {
	info, err := e.identity.LookupContactInfo(ctx, subjectID)
	if err != nil {
		return internalflows.Contact{}, err
	}

	contact := internalflows.Contact{
		SubjectID:              info.SubjectID,
		Destinations:           make(map[string]string, 3),
		Channels:               make([]string, 0, 3),
		Identifiers:            info.Identifiers,
		RecentCredentialHashes: info.RecentCredentialHashes,
	}
	if contact.SubjectID == "" {
		contact.SubjectID = subjectID
	}
	available := info.ChannelsAvailable
	if len(available) == 0 {
		// Providers that leave ChannelsAvailable empty offer every channel
		// they hold a destination for.
		available = []ChannelType{ChannelSMS, ChannelEmail, ChannelApp}
	}
	for _, channel := range available {
		destination := info.Destination(channel)
		if destination == "" {
			continue
		}
		contact.Channels = append(contact.Channels, string(channel))
		contact.Destinations[string(channel)] = destination
	}
	return contact, nil
}

// messageData is the value every delivery template is executed with.
type messageData struct {
	Code    string
	Minutes int
	Purpose string
}

func (e *Engine) renderMessage(channel, code string, ttl time.Duration) (string, error) {
	tmpl, ok := e.templates[ChannelType(channel)]
	if !ok {
		return "", ErrChannelUnavailable
	}

	minutes := int((ttl + time.Minute - 1) / time.Minute)
	var b strings.Builder
	if err := tmpl.Execute(&b, messageData{
		Code:    code,
		Minutes: minutes,
		Purpose: e.config.Delivery.Purpose,
	}); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (e *Engine) issueCode(salt []byte) (string, [32]byte, error) {
	if e.codeSource == nil {
		return e.codes.Issue(e.config.OTP.Length, e.config.OTP.Alphabet, salt)
	}
	code, err := e.codeSource()
	if err != nil {
		return "", [32]byte{}, err
	}
	return code, e.codes.Hash(code, salt), nil
}

// sleepEnumerationDelay pads decoy responses by a random duration so their
// latency matches a real lookup plus dispatch.
func (e *Engine) sleepEnumerationDelay(ctx context.Context) error {
	lo := e.config.Security.EnumerationDelayMin
	hi := e.config.Security.EnumerationDelayMax
	if hi <= 0 {
		return nil
	}

	d := lo
	if span := hi - lo; span > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
		if err == nil {
			d += time.Duration(n.Int64())
		}
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

// maskDestination hides most of a destination. Phones keep the last two
// digits, emails the first rune of the local part and the domain, app chat
// ids the last three characters.
func maskDestination(channel, destination string) string {
	switch ChannelType(channel) {
	case ChannelEmail:
		at := strings.LastIndexByte(destination, '@')
		if at <= 0 {
			return "***"
		}
		first, _ := utf8.DecodeRuneInString(destination)
		return string(first) + "***" + destination[at:]
	case ChannelSMS:
		return "***" + lastN(destination, 2)
	default:
		return "***" + lastN(destination, 3)
	}
}

// fakeDestination returns a plausible mask for a decoy session. When the
// caller typed an email address it is masked like a real one so the
// response echoes what they entered.
func fakeDestination(channel, identifier string) string {
	switch ChannelType(channel) {
	case ChannelEmail:
		if strings.Contains(identifier, "@") {
			return maskDestination(channel, identifier)
		}
		return "***@***"
	case ChannelSMS:
		return "***" + lastN(digitsOf(identifier, "00"), 2)
	default:
		return "***" + lastN(identifier+"000", 3)
	}
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func digitsOf(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 2 {
		return fallback
	}
	return b.String()
}

/*
====================================
ERROR MAPPING
====================================
*/

// retryRead retries idempotent store reads that failed on the transport.
// Not-found and corrupt records are answered immediately.
func (e *Engine) retryRead(ctx context.Context, read func() error) error {
	attempts := e.config.Retry.StoreAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = read()
		if err == nil || !errors.Is(err, stores.ErrStoreUnavailable) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		e.logFault(ctx, "store_read", err)
	}
	return err
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrRecordNotFound):
		return ErrSessionNotFound
	case errors.Is(err, stores.ErrVersionConflict):
		return ErrSessionBusy
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return ErrStoreUnavailable
	}
}

func mapLimiterError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, limiters.ErrVerificationRateLimited):
		return ErrRateLimited
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return ErrStoreUnavailable
	}
}

func limiterScope(err error) string {
	var denied *limiters.DeniedError
	if errors.As(err, &denied) {
		return string(denied.Scope)
	}
	return ""
}

// classifyProviderError treats only explicit permanent rejections as final.
// Unclassified errors are retried.
func classifyProviderError(err error) credential.Kind {
	if isPermanentProviderError(err) {
		return credential.Permanent
	}
	return credential.Transient
}

// credentialLedger records applied credential updates so a replayed
// ConfirmAndExecute never reaches the identity provider twice.
type credentialLedger struct {
	ledger *stores.Ledger
	ttl    time.Duration
	now    func() time.Time
}

func (l credentialLedger) Applied(ctx context.Context, tenantID, idempotencyKey string) (bool, error) {
	_, ok, err := l.ledger.Lookup(ctx, tenantID, idempotencyKey)
	return ok, err
}

func (l credentialLedger) MarkApplied(ctx context.Context, req credential.Request, attempts int) error {
	return l.ledger.Record(ctx, req.TenantID, req.IdempotencyKey, stores.LedgerEntry{
		SubjectID: req.SubjectID,
		SessionID: req.SessionID,
		Outcome:   "applied",
		AppliedAt: l.now().UnixMilli(),
		Attempts:  attempts,
	}, l.ttl)
}

var _ credential.Ledger = credentialLedger{}
