package flows

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/goVerify/internal/credential"
	"github.com/MrEthical07/goVerify/internal/delivery"
	"github.com/MrEthical07/goVerify/internal/stores"
	"github.com/MrEthical07/goVerify/policy"
)

// Session states as persisted in stores.SessionRecord.State.
const (
	StateUnknown uint8 = iota
	StateInitiated
	StateCodeIssued
	StateVerified
	StatePasswordCollected
	StateCompleted
	StateAborted
	StateExpired
)

// Outcome statuses returned to the front end.
const (
	StatusVerified        = "verified"
	StatusRejected        = "rejected"
	StatusAborted         = "aborted"
	StatusExpired         = "expired"
	StatusAccepted        = "accepted"
	StatusPolicyViolation = "policy_violation"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

const (
	reasonAttemptsExceeded   = "attempts_exceeded"
	reasonCodeExpired        = "code_expired"
	reasonTokenExpired       = "reset_token_expired"
	reasonInvalidDestination = "invalid_destination"
	reasonProviderRejected   = "provider_rejected"
	reasonUserAbort          = "user_abort"
	reasonSuperseded         = "superseded"
	reasonCompleted          = "completed"
)

// StateName is the stable lower-case name used in audit records and views.
func StateName(state uint8) string {
	switch state {
	case StateInitiated:
		return "initiated"
	case StateCodeIssued:
		return "code_issued"
	case StateVerified:
		return "verified"
	case StatePasswordCollected:
		return "password_collected"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateExpired:
		return "expired"
	default:
		return ""
	}
}

func IsTerminal(state uint8) bool {
	return state == StateCompleted || state == StateAborted || state == StateExpired
}

// Contact is the identity provider's view of a subject, keyed by channel.
type Contact struct {
	SubjectID              string
	Destinations           map[string]string
	Channels               []string
	Identifiers            []string
	RecentCredentialHashes []string
}

type RequestCodeOutcome struct {
	SessionID         string
	Channel           string
	MaskedDestination string
	ExpiresAt         time.Time
}

type SubmitCodeOutcome struct {
	Status              string
	ResetToken          string
	ResetTokenExpiresAt time.Time
	AttemptsRemaining   int
}

type CredentialOutcome struct {
	Status              string
	Violations          []policy.Violation
	ResetTokenExpiresAt time.Time
}

type ExecuteOutcome struct {
	Status   string
	Replayed bool
}

// SessionSnapshot is a secret-free view of a stored session.
type SessionSnapshot struct {
	SessionID           string
	State               uint8
	Channel             string
	MaskedDestination   string
	CodeExpiresAt       time.Time
	ResetTokenExpiresAt time.Time
	AttemptsRemaining   int
	ClosedReason        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AuditRecord describes one audited transition or rejected input.
type AuditRecord struct {
	EventType string
	Success   bool
	TenantID  string
	SessionID string
	SubjectID string
	Channel   string
	From      uint8
	To        uint8
	Outcome   string
	Err       error
	Metadata  func() map[string]string
}

type VerificationMetrics struct {
	CodeRequested            int
	CodeIssued               int
	CodeDeliveryFailed       int
	CodeVerified             int
	CodeRejected             int
	CodeExpired              int
	AttemptsExceeded         int
	RateLimitHit             int
	CredentialRejected       int
	CredentialCollected      int
	CredentialUpdateSuccess  int
	CredentialUpdateFailure  int
	CredentialUpdateReplayed int
	SessionAborted           int
	SessionClosedInput       int
}

type VerificationEvents struct {
	CodeRequested             string
	CodeIssued                string
	CodeDeliveryFailed        string
	CodeVerified              string
	CodeRejected              string
	CodeExpired               string
	AttemptsExceeded          string
	CredentialRejected        string
	CredentialCollected       string
	CredentialUpdateSucceeded string
	CredentialUpdateFailed    string
	CredentialUpdateReplayed  string
	SessionAborted            string
	SessionSuperseded         string
	SessionClosedInput        string
	ResetTokenExpired         string
	RateLimitTriggered        string
}

type VerificationErrors struct {
	EngineNotReady           error
	InvalidInput             error
	RateLimited              error
	SessionClosed            error
	SessionNotFound          error
	InvalidState             error
	SessionBusy              error
	ChannelUnavailable       error
	InvalidDestination       error
	StoreUnavailable         error
	ProviderUnavailable      error
	ProviderPermanentFailure error
	EntropySourceUnavailable error
	InvalidCode              error
	CodeExpired              error
	PolicyViolation          error
}

type VerificationDeps struct {
	CodeTTL           time.Duration
	MaxAttempts       int
	ResetTokenTTL     time.Duration
	RetentionGrace    time.Duration
	TombstoneTTL      time.Duration
	LeaseTTL          time.Duration
	RequireResetToken bool
	AsyncDelivery     bool
	ChannelPreference []string

	TenantIDFromContext func(context.Context) string
	ClientIPFromContext func(context.Context) string
	Now                 func() time.Time

	LookupContact         func(context.Context, string) (Contact, error)
	IsSubjectNotFound     func(error) bool
	HasChannel            func(string) bool
	MaskDestination       func(string, string) string
	FakeDestination       func(string, string) string
	SleepEnumerationDelay func(context.Context) error

	NewSessionID  func() (string, error)
	GetSession    func(context.Context, string, string) (*stores.SessionRecord, error)
	PutSession    func(context.Context, string, string, *stores.SessionRecord, time.Duration) error
	MutateSession func(context.Context, string, string, func(*stores.SessionRecord) (time.Duration, error)) (*stores.SessionRecord, error)
	ActiveSession func(context.Context, string, string) (string, error)
	SwapActive    func(context.Context, string, string, string, string, time.Duration) error
	TouchActive   func(context.Context, string, string, string, time.Duration) error
	ClearActive   func(context.Context, string, string, string) error

	AllowIssue      func(context.Context, string, string, string) error
	AllowVerify     func(context.Context, string, string) error
	RecordFailure   func(context.Context, string, string) error
	ResetVerify     func(context.Context, string, string) error
	LimiterScope    func(error) string
	MapLimiterError func(error) error
	MapStoreError   func(error) error

	NewSalt         func() ([16]byte, error)
	IssueCode       func([]byte) (string, [32]byte, error)
	HashCode        func(string, []byte) [32]byte
	EqualHash       func([32]byte, [32]byte) bool
	RandomHash      func() ([32]byte, error)
	NewResetToken   func(string) (string, [32]byte, error)
	ParseResetToken func(string) (string, [32]byte, error)
	IsResetToken    func(string) bool

	RenderMessage        func(string, string, time.Duration) (string, error)
	Deliver              func(context.Context, string, string, string) (delivery.Receipt, error)
	DeliverAsync         func(context.Context, string, string, string) <-chan delivery.Result
	IsInvalidDestination func(error) bool

	ValidateCredential func(string, policy.SubjectContext) (bool, []policy.Violation)
	HashCredential     func(string) (string, error)
	IdempotencyKey     func(string, string) string
	ExecuteUpdate      func(context.Context, credential.Request) (credential.Outcome, error)
	AcquireLease       func(context.Context, string, string, string, time.Duration) (bool, error)
	ReleaseLease       func(context.Context, string, string, string) error
	NewLeaseOwner      func() string

	MetricInc      func(int)
	ObserveLatency func(time.Duration)
	EmitAudit      func(context.Context, AuditRecord)
	LogFault       func(context.Context, string, error)

	Metrics VerificationMetrics
	Events  VerificationEvents
	Errors  VerificationErrors
}

/*
====================================
REQUEST CODE
====================================
*/

// RunRequestCode resolves the subject, opens or reuses its session, checks
// the issuance limiter, stores a fresh code hash and dispatches the code.
// Unknown subjects and subjects without the requested channel get a decoy
// session that behaves identically but can never verify.
func RunRequestCode(ctx context.Context, subjectID, channel string, deps VerificationDeps) (RequestCodeOutcome, error) {
	normalizeVerificationDeps(&deps)
	if !verificationReady(&deps) {
		return RequestCodeOutcome{}, deps.Errors.EngineNotReady
	}

	tenantID := deps.TenantIDFromContext(ctx)
	subjectID = strings.TrimSpace(subjectID)
	channel = strings.ToLower(strings.TrimSpace(channel))

	if subjectID == "" {
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeRequested,
			TenantID:  tenantID,
			Channel:   channel,
			Err:       deps.Errors.InvalidInput,
			Metadata:  reasonMeta("empty_subject"),
		})
		return RequestCodeOutcome{}, deps.Errors.InvalidInput
	}
	if channel == "" {
		channel = defaultChannel(&deps)
	}
	if channel == "" || !deps.HasChannel(channel) {
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeRequested,
			TenantID:  tenantID,
			SubjectID: subjectID,
			Channel:   channel,
			Err:       deps.Errors.ChannelUnavailable,
			Metadata:  reasonMeta("channel_not_configured"),
		})
		return RequestCodeOutcome{}, deps.Errors.ChannelUnavailable
	}

	deps.MetricInc(deps.Metrics.CodeRequested)

	contact, err := deps.LookupContact(ctx, subjectID)
	if err != nil {
		if deps.IsSubjectNotFound(err) {
			return issueDecoy(ctx, &deps, tenantID, subjectID, channel, "subject_not_found")
		}
		result := deps.Errors.ProviderUnavailable
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result = err
		} else {
			deps.LogFault(ctx, "lookup_contact", err)
		}
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeRequested,
			TenantID:  tenantID,
			SubjectID: subjectID,
			Channel:   channel,
			Err:       result,
		})
		return RequestCodeOutcome{}, result
	}

	destination := contact.Destinations[channel]
	if destination == "" || !containsString(contact.Channels, channel) {
		return issueDecoy(ctx, &deps, tenantID, subjectID, channel, "channel_not_available")
	}
	masked := deps.MaskDestination(channel, destination)
	now := deps.Now()

	sessionID, current, err := openSession(ctx, &deps, tenantID, subjectID, channel, masked, now)
	if err != nil {
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeRequested,
			TenantID:  tenantID,
			SubjectID: subjectID,
			Channel:   channel,
			Err:       err,
		})
		return RequestCodeOutcome{}, err
	}
	to := current
	if current == StateUnknown {
		to = StateInitiated
	}
	deps.EmitAudit(ctx, AuditRecord{
		EventType: deps.Events.CodeRequested,
		Success:   true,
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: subjectID,
		Channel:   channel,
		From:      current,
		To:        to,
	})

	if err := deps.AllowIssue(ctx, tenantID, subjectID, deps.ClientIPFromContext(ctx)); err != nil {
		return RequestCodeOutcome{}, denyIssue(ctx, &deps, tenantID, sessionID, subjectID, channel, to, err)
	}

	salt, err := deps.NewSalt()
	var (
		code string
		hash [32]byte
	)
	if err == nil {
		code, hash, err = deps.IssueCode(salt[:])
	}
	if err != nil {
		deps.LogFault(ctx, "issue_code", err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeIssued,
			TenantID:  tenantID,
			SessionID: sessionID,
			SubjectID: subjectID,
			Channel:   channel,
			From:      to,
			To:        to,
			Err:       deps.Errors.EntropySourceUnavailable,
		})
		return RequestCodeOutcome{}, deps.Errors.EntropySourceUnavailable
	}

	expiresAt := now.Add(deps.CodeTTL)
	var prior uint8
	record, err := deps.MutateSession(ctx, tenantID, sessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		prior = r.State
		if r.State != StateInitiated && r.State != StateCodeIssued {
			return 0, deps.Errors.SessionClosed
		}
		r.State = StateCodeIssued
		r.Channel = channel
		r.MaskedDestination = masked
		r.CodeSalt = salt
		r.CodeHash = hash
		r.CodeExpiresAt = expiresAt.UnixMilli()
		r.CodeAttempts = 0
		r.CodesIssued++
		clearResetToken(r)
		r.CredentialHash = ""
		r.UpdatedAt = now.UnixMilli()
		return recordTTL(&deps, r, now), nil
	})
	if err != nil {
		mapped := storeError(&deps, err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeIssued,
			TenantID:  tenantID,
			SessionID: sessionID,
			SubjectID: subjectID,
			Channel:   channel,
			From:      prior,
			To:        prior,
			Err:       mapped,
		})
		return RequestCodeOutcome{}, mapped
	}
	// The failure counter belongs to the code it guards; a fresh code starts
	// with the full budget.
	if prior == StateCodeIssued {
		if err := deps.ResetVerify(ctx, tenantID, sessionID); err != nil {
			deps.LogFault(ctx, "reset_verify_counter", err)
			return RequestCodeOutcome{}, deps.MapLimiterError(err)
		}
	}
	touchActive(ctx, &deps, tenantID, subjectID, sessionID, recordTTL(&deps, record, now))

	deps.MetricInc(deps.Metrics.CodeIssued)
	deps.EmitAudit(ctx, AuditRecord{
		EventType: deps.Events.CodeIssued,
		Success:   true,
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: subjectID,
		Channel:   channel,
		From:      prior,
		To:        StateCodeIssued,
		Metadata: func() map[string]string {
			return map[string]string{
				"codes_issued":       strconv.Itoa(int(record.CodesIssued)),
				"replaced_live_code": strconv.FormatBool(prior == StateCodeIssued),
				"async_delivery":     strconv.FormatBool(deps.AsyncDelivery),
			}
		},
	})

	outcome := RequestCodeOutcome{
		SessionID:         sessionID,
		Channel:           channel,
		MaskedDestination: masked,
		ExpiresAt:         expiresAt,
	}

	message, err := deps.RenderMessage(channel, code, deps.CodeTTL)
	if err != nil {
		return RequestCodeOutcome{}, deliveryFailed(ctx, &deps, tenantID, sessionID, subjectID, channel, hash, err)
	}

	if deps.AsyncDelivery {
		results := deps.DeliverAsync(ctx, channel, destination, message)
		detached := context.WithoutCancel(ctx)
		go func() {
			res, ok := <-results
			if ok && res.Err != nil {
				_ = deliveryFailed(detached, &deps, tenantID, sessionID, subjectID, channel, hash, res.Err)
			}
		}()
		return outcome, nil
	}

	if _, err := deps.Deliver(ctx, channel, destination, message); err != nil {
		return RequestCodeOutcome{}, deliveryFailed(ctx, &deps, tenantID, sessionID, subjectID, channel, hash, err)
	}
	return outcome, nil
}

func openSession(
	ctx context.Context,
	deps *VerificationDeps,
	tenantID, subjectID, channel, masked string,
	now time.Time,
) (string, uint8, error) {
	activeID, err := deps.ActiveSession(ctx, tenantID, subjectID)
	if err != nil {
		mapped := deps.MapStoreError(err)
		if !errors.Is(mapped, deps.Errors.SessionNotFound) {
			return "", StateUnknown, mapped
		}
		activeID = ""
	}

	if activeID != "" {
		record, err := deps.GetSession(ctx, tenantID, activeID)
		switch {
		case err == nil && record.SubjectID == subjectID &&
			(record.State == StateInitiated || record.State == StateCodeIssued):
			return activeID, record.State, nil
		case err == nil && !IsTerminal(record.State):
			supersede(ctx, deps, tenantID, activeID, now)
		case err != nil:
			mapped := deps.MapStoreError(err)
			if !errors.Is(mapped, deps.Errors.SessionNotFound) {
				return "", StateUnknown, mapped
			}
		}
	}

	sessionID, err := deps.NewSessionID()
	if err != nil {
		return "", StateUnknown, deps.Errors.EntropySourceUnavailable
	}

	ttl := deps.CodeTTL + deps.RetentionGrace
	// Claim the index first so a concurrent request for the same subject
	// loses cleanly instead of leaving two open sessions.
	if err := deps.SwapActive(ctx, tenantID, subjectID, activeID, sessionID, ttl); err != nil {
		return "", StateUnknown, deps.MapStoreError(err)
	}

	record := &stores.SessionRecord{
		State:             StateInitiated,
		Channel:           channel,
		SubjectID:         subjectID,
		MaskedDestination: masked,
		CreatedAt:         now.UnixMilli(),
		UpdatedAt:         now.UnixMilli(),
	}
	if err := deps.PutSession(ctx, tenantID, sessionID, record, ttl); err != nil {
		return "", StateUnknown, deps.MapStoreError(err)
	}

	return sessionID, StateUnknown, nil
}

func supersede(ctx context.Context, deps *VerificationDeps, tenantID, sessionID string, now time.Time) {
	var (
		from    uint8
		subject string
		channel string
	)
	_, err := deps.MutateSession(ctx, tenantID, sessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		from, subject, channel = r.State, r.SubjectID, r.Channel
		if IsTerminal(r.State) {
			return 0, stores.ErrSkipWrite
		}
		closeRecord(r, StateAborted, reasonSuperseded, now)
		return deps.TombstoneTTL, nil
	})
	if err != nil {
		deps.LogFault(ctx, "supersede_session", err)
		return
	}
	if IsTerminal(from) {
		return
	}

	deps.MetricInc(deps.Metrics.SessionAborted)
	deps.EmitAudit(ctx, AuditRecord{
		EventType: deps.Events.SessionSuperseded,
		Success:   true,
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: subject,
		Channel:   channel,
		From:      from,
		To:        StateAborted,
		Outcome:   reasonSuperseded,
	})
}

func issueDecoy(ctx context.Context, deps *VerificationDeps, tenantID, subjectID, channel, reason string) (RequestCodeOutcome, error) {
	if err := deps.AllowIssue(ctx, tenantID, subjectID, deps.ClientIPFromContext(ctx)); err != nil {
		return RequestCodeOutcome{}, denyIssue(ctx, deps, tenantID, "", "", channel, StateUnknown, err)
	}
	if err := deps.SleepEnumerationDelay(ctx); err != nil {
		return RequestCodeOutcome{}, err
	}

	now := deps.Now()
	sessionID, err := deps.NewSessionID()
	var hash [32]byte
	if err == nil {
		hash, err = deps.RandomHash()
	}
	if err != nil {
		deps.LogFault(ctx, "decoy_session", err)
		return RequestCodeOutcome{}, deps.Errors.EntropySourceUnavailable
	}

	expiresAt := now.Add(deps.CodeTTL)
	masked := deps.FakeDestination(channel, subjectID)
	// The stored hash is random rather than derived from a code, so no
	// candidate can ever verify against it.
	record := &stores.SessionRecord{
		State:             StateCodeIssued,
		Channel:           channel,
		MaskedDestination: masked,
		CodeHash:          hash,
		CodeExpiresAt:     expiresAt.UnixMilli(),
		CodesIssued:       1,
		CreatedAt:         now.UnixMilli(),
		UpdatedAt:         now.UnixMilli(),
	}
	if err := deps.PutSession(ctx, tenantID, sessionID, record, recordTTL(deps, record, now)); err != nil {
		mapped := deps.MapStoreError(err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeRequested,
			TenantID:  tenantID,
			Channel:   channel,
			Err:       mapped,
			Metadata:  identifierMeta(subjectID, reason),
		})
		return RequestCodeOutcome{}, mapped
	}

	deps.EmitAudit(ctx, AuditRecord{
		EventType: deps.Events.CodeRequested,
		Success:   true,
		TenantID:  tenantID,
		SessionID: sessionID,
		Channel:   channel,
		To:        StateCodeIssued,
		Metadata:  identifierMeta(subjectID, reason),
	})

	return RequestCodeOutcome{
		SessionID:         sessionID,
		Channel:           channel,
		MaskedDestination: masked,
		ExpiresAt:         expiresAt,
	}, nil
}

func denyIssue(ctx context.Context, deps *VerificationDeps, tenantID, sessionID, subjectID, channel string, state uint8, err error) error {
	mapped := deps.MapLimiterError(err)
	if !errors.Is(mapped, deps.Errors.RateLimited) {
		deps.LogFault(ctx, "issue_limiter", err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeIssued,
			TenantID:  tenantID,
			SessionID: sessionID,
			SubjectID: subjectID,
			Channel:   channel,
			From:      state,
			To:        state,
			Err:       mapped,
		})
		return mapped
	}

	scope := deps.LimiterScope(err)
	deps.MetricInc(deps.Metrics.RateLimitHit)
	deps.EmitAudit(ctx, AuditRecord{
		EventType: deps.Events.RateLimitTriggered,
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: subjectID,
		Channel:   channel,
		From:      state,
		To:        state,
		Err:       mapped,
		Metadata: func() map[string]string {
			return map[string]string{
				"scope": scope,
			}
		},
	})
	return mapped
}

func deliveryFailed(
	ctx context.Context,
	deps *VerificationDeps,
	tenantID, sessionID, subjectID, channel string,
	issued [32]byte,
	cause error,
) error {
	invalid := deps.IsInvalidDestination(cause)
	result := deps.Errors.ChannelUnavailable
	if invalid {
		result = deps.Errors.InvalidDestination
	}
	deps.MetricInc(deps.Metrics.CodeDeliveryFailed)

	now := deps.Now()
	cleanup := context.WithoutCancel(ctx)
	var (
		from  uint8
		moved bool
	)
	record, err := deps.MutateSession(cleanup, tenantID, sessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		from = r.State
		moved = false
		// A newer code may have replaced the one that failed to deliver.
		if r.State != StateCodeIssued || !deps.EqualHash(r.CodeHash, issued) {
			return 0, stores.ErrSkipWrite
		}
		moved = true
		if invalid {
			closeRecord(r, StateAborted, reasonInvalidDestination, now)
			return deps.TombstoneTTL, nil
		}
		clearCode(r)
		r.State = StateInitiated
		r.UpdatedAt = now.UnixMilli()
		return recordTTL(deps, r, now), nil
	})
	if err != nil {
		deps.LogFault(ctx, "delivery_cleanup", err)
	}

	to := from
	if err == nil && moved {
		to = record.State
		if invalid {
			clearActive(cleanup, deps, tenantID, subjectID, sessionID)
			deps.MetricInc(deps.Metrics.SessionAborted)
		}
	}

	deps.EmitAudit(cleanup, AuditRecord{
		EventType: deps.Events.CodeDeliveryFailed,
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: subjectID,
		Channel:   channel,
		From:      from,
		To:        to,
		Err:       result,
		Metadata: func() map[string]string {
			return map[string]string{
				"terminal": strconv.FormatBool(invalid),
			}
		},
	})

	return result
}

/*
====================================
SUBMIT CODE
====================================
*/

// RunSubmitCode checks a candidate code. The limiter check, expiry check,
// comparison and attempt increment all happen inside one compare-and-swap
// mutation, so concurrent submissions serialize and at most one verifies.
func RunSubmitCode(ctx context.Context, sessionID, candidate string, deps VerificationDeps) (SubmitCodeOutcome, error) {
	normalizeVerificationDeps(&deps)
	if !verificationReady(&deps) {
		return SubmitCodeOutcome{}, deps.Errors.EngineNotReady
	}

	start := deps.Now()
	defer func() {
		deps.ObserveLatency(deps.Now().Sub(start))
	}()

	tenantID := deps.TenantIDFromContext(ctx)
	candidate = strings.TrimSpace(candidate)
	if sessionID == "" || candidate == "" {
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeRejected,
			TenantID:  tenantID,
			SessionID: sessionID,
			Err:       deps.Errors.InvalidInput,
			Metadata:  reasonMeta("invalid_input"),
		})
		return SubmitCodeOutcome{}, deps.Errors.InvalidInput
	}

	denied := false
	var limiterScope string
	if err := deps.AllowVerify(ctx, tenantID, sessionID); err != nil {
		mapped := deps.MapLimiterError(err)
		if !errors.Is(mapped, deps.Errors.RateLimited) {
			deps.LogFault(ctx, "verify_limiter", err)
			deps.EmitAudit(ctx, AuditRecord{
				EventType: deps.Events.CodeRejected,
				TenantID:  tenantID,
				SessionID: sessionID,
				Err:       mapped,
			})
			return SubmitCodeOutcome{}, mapped
		}
		denied = true
		limiterScope = deps.LimiterScope(err)
	}

	now := deps.Now()
	var (
		from       uint8
		status     string
		token      string
		tokenUntil time.Time
	)
	record, err := deps.MutateSession(ctx, tenantID, sessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		from = r.State
		token = ""

		if r.State != StateCodeIssued {
			status = ""
			return 0, stores.ErrSkipWrite
		}
		if denied || int(r.CodeAttempts) >= deps.MaxAttempts {
			status = StatusAborted
			closeRecord(r, StateAborted, reasonAttemptsExceeded, now)
			return deps.TombstoneTTL, nil
		}
		if now.UnixMilli() > r.CodeExpiresAt {
			status = StatusExpired
			closeRecord(r, StateExpired, reasonCodeExpired, now)
			return deps.TombstoneTTL, nil
		}

		provided := deps.HashCode(candidate, r.CodeSalt[:])
		if !deps.EqualHash(provided, r.CodeHash) {
			status = StatusRejected
			r.CodeAttempts++
			r.UpdatedAt = now.UnixMilli()
			return recordTTL(&deps, r, now), nil
		}

		issued, hash, err := deps.NewResetToken(sessionID)
		if err != nil {
			return 0, deps.Errors.EntropySourceUnavailable
		}
		status = StatusVerified
		token = issued
		tokenUntil = now.Add(deps.ResetTokenTTL)
		clearCode(r)
		r.State = StateVerified
		r.ResetTokenHash = hash
		r.ResetTokenExpiresAt = tokenUntil.UnixMilli()
		r.UpdatedAt = now.UnixMilli()
		return recordTTL(&deps, r, now), nil
	})
	if err != nil {
		mapped := storeError(&deps, err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CodeRejected,
			TenantID:  tenantID,
			SessionID: sessionID,
			From:      from,
			To:        from,
			Err:       mapped,
		})
		return SubmitCodeOutcome{}, mapped
	}

	base := AuditRecord{
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: record.SubjectID,
		Channel:   record.Channel,
		From:      from,
		To:        record.State,
	}

	switch status {
	case StatusRejected:
		if err := deps.RecordFailure(ctx, tenantID, sessionID); err != nil {
			deps.LogFault(ctx, "record_failure", err)
		}
		remaining := deps.MaxAttempts - int(record.CodeAttempts)
		if remaining < 0 {
			remaining = 0
		}
		deps.MetricInc(deps.Metrics.CodeRejected)
		base.EventType = deps.Events.CodeRejected
		base.Outcome = StatusRejected
		base.Err = deps.Errors.InvalidCode
		base.Metadata = func() map[string]string {
			return map[string]string{
				"attempts":  strconv.Itoa(int(record.CodeAttempts)),
				"remaining": strconv.Itoa(remaining),
			}
		}
		deps.EmitAudit(ctx, base)
		return SubmitCodeOutcome{Status: StatusRejected, AttemptsRemaining: remaining}, nil

	case StatusVerified:
		if err := deps.ResetVerify(ctx, tenantID, sessionID); err != nil {
			deps.LogFault(ctx, "reset_verify_counter", err)
		}
		touchActive(ctx, &deps, tenantID, record.SubjectID, sessionID, recordTTL(&deps, record, now))
		deps.MetricInc(deps.Metrics.CodeVerified)
		base.EventType = deps.Events.CodeVerified
		base.Success = true
		base.Outcome = StatusVerified
		deps.EmitAudit(ctx, base)
		return SubmitCodeOutcome{
			Status:              StatusVerified,
			ResetToken:          token,
			ResetTokenExpiresAt: tokenUntil,
		}, nil

	case StatusAborted:
		clearActive(ctx, &deps, tenantID, record.SubjectID, sessionID)
		deps.MetricInc(deps.Metrics.AttemptsExceeded)
		deps.MetricInc(deps.Metrics.SessionAborted)
		if denied {
			deps.MetricInc(deps.Metrics.RateLimitHit)
		}
		base.EventType = deps.Events.AttemptsExceeded
		base.Outcome = StatusAborted
		base.Err = deps.Errors.RateLimited
		base.Metadata = func() map[string]string {
			meta := map[string]string{
				"attempts": strconv.Itoa(int(record.CodeAttempts)),
			}
			if limiterScope != "" {
				meta["scope"] = limiterScope
			}
			return meta
		}
		deps.EmitAudit(ctx, base)
		return SubmitCodeOutcome{Status: StatusAborted}, nil

	case StatusExpired:
		clearActive(ctx, &deps, tenantID, record.SubjectID, sessionID)
		deps.MetricInc(deps.Metrics.CodeExpired)
		base.EventType = deps.Events.CodeExpired
		base.Outcome = StatusExpired
		base.Err = deps.Errors.CodeExpired
		deps.EmitAudit(ctx, base)
		return SubmitCodeOutcome{Status: StatusExpired}, nil
	}

	// No live code: consumed, never issued or closed.
	return SubmitCodeOutcome{}, closedInput(ctx, &deps, base, "submit_code")
}

/*
====================================
SUBMIT NEW CREDENTIAL
====================================
*/

// RunSubmitCredential validates a candidate credential against policy and,
// if it passes, stores only its hash and moves the session to
// PasswordCollected.
func RunSubmitCredential(ctx context.Context, ref, candidate string, deps VerificationDeps) (CredentialOutcome, error) {
	normalizeVerificationDeps(&deps)
	if !verificationReady(&deps) {
		return CredentialOutcome{}, deps.Errors.EngineNotReady
	}

	tenantID := deps.TenantIDFromContext(ctx)
	sessionID, tokenHash, hasToken, err := resolveRef(&deps, ref)
	if err != nil || candidate == "" {
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CredentialRejected,
			TenantID:  tenantID,
			SessionID: sessionID,
			Err:       deps.Errors.InvalidInput,
			Metadata:  reasonMeta("invalid_input"),
		})
		return CredentialOutcome{}, deps.Errors.InvalidInput
	}

	record, err := deps.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		mapped := storeError(&deps, err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CredentialRejected,
			TenantID:  tenantID,
			SessionID: sessionID,
			Err:       mapped,
		})
		return CredentialOutcome{}, mapped
	}

	base := AuditRecord{
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: record.SubjectID,
		Channel:   record.Channel,
		From:      record.State,
		To:        record.State,
	}

	if err := checkAuthority(ctx, &deps, base, record, tokenHash, hasToken, StateVerified, StatePasswordCollected); err != nil {
		return CredentialOutcome{}, err
	}
	now := deps.Now()
	if now.UnixMilli() > record.ResetTokenExpiresAt {
		return CredentialOutcome{Status: StatusExpired}, expireToken(ctx, &deps, base, record.ResetTokenHash, now)
	}

	contact, err := deps.LookupContact(ctx, record.SubjectID)
	if err != nil {
		deps.LogFault(ctx, "lookup_contact", err)
		base.EventType = deps.Events.CredentialRejected
		base.Err = deps.Errors.ProviderUnavailable
		deps.EmitAudit(ctx, base)
		return CredentialOutcome{}, deps.Errors.ProviderUnavailable
	}

	subject := policy.SubjectContext{
		SubjectID:              record.SubjectID,
		Identifiers:            contact.Identifiers,
		RecentCredentialHashes: contact.RecentCredentialHashes,
	}
	if ok, violations := deps.ValidateCredential(candidate, subject); !ok {
		deps.MetricInc(deps.Metrics.CredentialRejected)
		base.EventType = deps.Events.CredentialRejected
		base.Outcome = StatusPolicyViolation
		base.Err = deps.Errors.PolicyViolation
		base.Metadata = func() map[string]string {
			return map[string]string{
				"violations": violationCodes(violations),
			}
		}
		deps.EmitAudit(ctx, base)
		return CredentialOutcome{
			Status:              StatusPolicyViolation,
			Violations:          violations,
			ResetTokenExpiresAt: time.UnixMilli(record.ResetTokenExpiresAt),
		}, nil
	}

	credentialHash, err := deps.HashCredential(candidate)
	if err != nil {
		base.EventType = deps.Events.CredentialRejected
		base.Err = deps.Errors.InvalidInput
		base.Metadata = reasonMeta("hash_rejected")
		deps.EmitAudit(ctx, base)
		return CredentialOutcome{}, deps.Errors.InvalidInput
	}

	authority := record.ResetTokenHash
	var from uint8
	updated, err := deps.MutateSession(ctx, tenantID, sessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		from = r.State
		if r.State != StateVerified && r.State != StatePasswordCollected {
			return 0, stores.ErrSkipWrite
		}
		// The authorizing token must be the one checked above and still live.
		if !deps.EqualHash(r.ResetTokenHash, authority) || now.UnixMilli() > r.ResetTokenExpiresAt {
			return 0, stores.ErrSkipWrite
		}
		r.CredentialHash = credentialHash
		r.State = StatePasswordCollected
		r.UpdatedAt = now.UnixMilli()
		return recordTTL(&deps, r, now), nil
	})
	if err != nil {
		mapped := storeError(&deps, err)
		base.EventType = deps.Events.CredentialRejected
		base.Err = mapped
		deps.EmitAudit(ctx, base)
		return CredentialOutcome{}, mapped
	}
	base.From = from
	base.To = updated.State
	if updated.State != StatePasswordCollected || updated.CredentialHash != credentialHash {
		return CredentialOutcome{}, closedInput(ctx, &deps, base, "submit_credential")
	}

	deps.MetricInc(deps.Metrics.CredentialCollected)
	base.EventType = deps.Events.CredentialCollected
	base.Success = true
	base.Outcome = StatusAccepted
	deps.EmitAudit(ctx, base)

	return CredentialOutcome{
		Status:              StatusAccepted,
		ResetTokenExpiresAt: time.UnixMilli(updated.ResetTokenExpiresAt),
	}, nil
}

/*
====================================
CONFIRM AND EXECUTE
====================================
*/

// RunConfirmAndExecute applies the collected credential through the
// identity provider at most once. A Completed session answers replays
// without calling the provider again.
func RunConfirmAndExecute(ctx context.Context, ref string, deps VerificationDeps) (ExecuteOutcome, error) {
	normalizeVerificationDeps(&deps)
	if !verificationReady(&deps) {
		return ExecuteOutcome{}, deps.Errors.EngineNotReady
	}

	tenantID := deps.TenantIDFromContext(ctx)
	sessionID, tokenHash, hasToken, err := resolveRef(&deps, ref)
	if err != nil {
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CredentialUpdateFailed,
			TenantID:  tenantID,
			Err:       deps.Errors.InvalidInput,
			Metadata:  reasonMeta("invalid_input"),
		})
		return ExecuteOutcome{}, deps.Errors.InvalidInput
	}

	record, err := deps.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		mapped := storeError(&deps, err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.CredentialUpdateFailed,
			TenantID:  tenantID,
			SessionID: sessionID,
			Err:       mapped,
		})
		return ExecuteOutcome{}, mapped
	}

	base := AuditRecord{
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: record.SubjectID,
		Channel:   record.Channel,
		From:      record.State,
		To:        record.State,
	}
	if record.State == StateCompleted {
		return completedReplay(ctx, &deps, base)
	}
	if err := checkAuthority(ctx, &deps, base, record, tokenHash, hasToken, StatePasswordCollected); err != nil {
		return ExecuteOutcome{}, err
	}
	now := deps.Now()
	if now.UnixMilli() > record.ResetTokenExpiresAt {
		return ExecuteOutcome{Status: StatusExpired}, expireToken(ctx, &deps, base, record.ResetTokenHash, now)
	}

	owner := deps.NewLeaseOwner()
	acquired, err := deps.AcquireLease(ctx, tenantID, sessionID, owner, deps.LeaseTTL)
	if err != nil || !acquired {
		result := deps.Errors.SessionBusy
		if err != nil {
			result = storeError(&deps, err)
		}
		base.EventType = deps.Events.CredentialUpdateFailed
		base.Err = result
		base.Metadata = reasonMeta("lease_unavailable")
		deps.EmitAudit(ctx, base)
		return ExecuteOutcome{}, result
	}
	defer func() {
		if err := deps.ReleaseLease(context.WithoutCancel(ctx), tenantID, sessionID, owner); err != nil {
			deps.LogFault(ctx, "release_lease", err)
		}
	}()

	// Re-read under the lease: another executor may have finished first.
	record, err = deps.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		mapped := storeError(&deps, err)
		base.EventType = deps.Events.CredentialUpdateFailed
		base.Err = mapped
		deps.EmitAudit(ctx, base)
		return ExecuteOutcome{}, mapped
	}
	base.From, base.To = record.State, record.State
	if record.State == StateCompleted {
		return completedReplay(ctx, &deps, base)
	}
	if err := checkAuthority(ctx, &deps, base, record, tokenHash, hasToken, StatePasswordCollected); err != nil {
		return ExecuteOutcome{}, err
	}

	out, err := deps.ExecuteUpdate(ctx, credential.Request{
		TenantID:       tenantID,
		SessionID:      sessionID,
		SubjectID:      record.SubjectID,
		CredentialHash: record.CredentialHash,
		IdempotencyKey: deps.IdempotencyKey(tenantID, sessionID),
	})
	if err != nil {
		return executeFailed(ctx, &deps, base, out, err)
	}

	// The provider has applied the change; record it even if the caller
	// has given up.
	finish := context.WithoutCancel(ctx)
	finishedAt := deps.Now()
	updated, err := deps.MutateSession(finish, tenantID, sessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		if r.State == StateCompleted {
			return 0, stores.ErrSkipWrite
		}
		closeRecord(r, StateCompleted, reasonCompleted, finishedAt)
		return deps.TombstoneTTL, nil
	})
	if err != nil {
		mapped := storeError(&deps, err)
		deps.LogFault(ctx, "complete_session", err)
		base.EventType = deps.Events.CredentialUpdateFailed
		base.Err = mapped
		base.Metadata = reasonMeta("completion_not_recorded")
		deps.EmitAudit(finish, base)
		return ExecuteOutcome{}, mapped
	}
	clearActive(finish, &deps, tenantID, record.SubjectID, sessionID)

	base.To = updated.State
	base.Success = true
	base.Outcome = StatusCompleted
	base.Metadata = func() map[string]string {
		return map[string]string{
			"attempts": strconv.Itoa(out.Attempts),
			"replayed": strconv.FormatBool(out.Replayed),
		}
	}
	if out.Replayed {
		deps.MetricInc(deps.Metrics.CredentialUpdateReplayed)
		base.EventType = deps.Events.CredentialUpdateReplayed
	} else {
		deps.MetricInc(deps.Metrics.CredentialUpdateSuccess)
		base.EventType = deps.Events.CredentialUpdateSucceeded
	}
	deps.EmitAudit(finish, base)

	return ExecuteOutcome{Status: StatusCompleted, Replayed: out.Replayed}, nil
}

func completedReplay(ctx context.Context, deps *VerificationDeps, base AuditRecord) (ExecuteOutcome, error) {
	deps.MetricInc(deps.Metrics.CredentialUpdateReplayed)
	base.EventType = deps.Events.CredentialUpdateReplayed
	base.Success = true
	base.Outcome = StatusCompleted
	base.Metadata = reasonMeta("already_completed")
	deps.EmitAudit(ctx, base)
	return ExecuteOutcome{Status: StatusCompleted, Replayed: true}, nil
}

func executeFailed(ctx context.Context, deps *VerificationDeps, base AuditRecord, out credential.Outcome, cause error) (ExecuteOutcome, error) {
	deps.MetricInc(deps.Metrics.CredentialUpdateFailure)
	base.EventType = deps.Events.CredentialUpdateFailed
	base.Metadata = func() map[string]string {
		return map[string]string{
			"attempts":       strconv.Itoa(out.Attempts),
			"provider_error": cause.Error(),
		}
	}

	if !errors.Is(cause, credential.ErrPermanent) {
		deps.LogFault(ctx, "credential_update", cause)
		base.Err = deps.Errors.ProviderUnavailable
		deps.EmitAudit(ctx, base)
		return ExecuteOutcome{}, deps.Errors.ProviderUnavailable
	}

	cleanup := context.WithoutCancel(ctx)
	now := deps.Now()
	updated, err := deps.MutateSession(cleanup, base.TenantID, base.SessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		if IsTerminal(r.State) {
			return 0, stores.ErrSkipWrite
		}
		closeRecord(r, StateAborted, reasonProviderRejected, now)
		return deps.TombstoneTTL, nil
	})
	if err != nil {
		deps.LogFault(ctx, "abort_after_rejection", err)
	} else {
		base.To = updated.State
		clearActive(cleanup, deps, base.TenantID, base.SubjectID, base.SessionID)
		deps.MetricInc(deps.Metrics.SessionAborted)
	}

	base.Outcome = StatusFailed
	base.Err = deps.Errors.ProviderPermanentFailure
	deps.EmitAudit(cleanup, base)
	return ExecuteOutcome{Status: StatusFailed}, deps.Errors.ProviderPermanentFailure
}

/*
====================================
ABORT AND INSPECT
====================================
*/

// RunAbort closes a live session on user request, discarding any live code,
// reset token and collected credential hash.
func RunAbort(ctx context.Context, ref string, deps VerificationDeps) error {
	normalizeVerificationDeps(&deps)
	if !verificationReady(&deps) {
		return deps.Errors.EngineNotReady
	}

	tenantID := deps.TenantIDFromContext(ctx)
	// Sessions still waiting for a code have no reset token, so a bare id
	// is accepted here and the token requirement is checked per state below.
	sessionID, tokenHash, hasToken, err := parseRef(&deps, ref)
	if err != nil {
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.SessionAborted,
			TenantID:  tenantID,
			Err:       deps.Errors.InvalidInput,
			Metadata:  reasonMeta("invalid_input"),
		})
		return deps.Errors.InvalidInput
	}

	now := deps.Now()
	var from uint8
	record, err := deps.MutateSession(ctx, tenantID, sessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		from = r.State
		if IsTerminal(r.State) {
			return 0, stores.ErrSkipWrite
		}
		if hasToken && !deps.EqualHash(tokenHash, r.ResetTokenHash) {
			return 0, deps.Errors.InvalidInput
		}
		if !hasToken && deps.RequireResetToken &&
			r.State != StateInitiated && r.State != StateCodeIssued {
			return 0, deps.Errors.InvalidInput
		}
		closeRecord(r, StateAborted, reasonUserAbort, now)
		return deps.TombstoneTTL, nil
	})
	if err != nil {
		mapped := storeError(&deps, err)
		deps.EmitAudit(ctx, AuditRecord{
			EventType: deps.Events.SessionAborted,
			TenantID:  tenantID,
			SessionID: sessionID,
			From:      from,
			To:        from,
			Err:       mapped,
		})
		return mapped
	}

	base := AuditRecord{
		TenantID:  tenantID,
		SessionID: sessionID,
		SubjectID: record.SubjectID,
		Channel:   record.Channel,
		From:      from,
		To:        record.State,
	}
	if IsTerminal(from) {
		return closedInput(ctx, &deps, base, "abort")
	}

	clearActive(ctx, &deps, tenantID, record.SubjectID, sessionID)
	deps.MetricInc(deps.Metrics.SessionAborted)
	base.EventType = deps.Events.SessionAborted
	base.Success = true
	base.Outcome = reasonUserAbort
	deps.EmitAudit(ctx, base)
	return nil
}

// RunInspect returns a secret-free view of the session.
func RunInspect(ctx context.Context, sessionID string, deps VerificationDeps) (SessionSnapshot, error) {
	normalizeVerificationDeps(&deps)
	if deps.GetSession == nil {
		return SessionSnapshot{}, deps.Errors.EngineNotReady
	}
	if sessionID == "" {
		return SessionSnapshot{}, deps.Errors.InvalidInput
	}

	record, err := deps.GetSession(ctx, deps.TenantIDFromContext(ctx), sessionID)
	if err != nil {
		return SessionSnapshot{}, storeError(&deps, err)
	}

	snapshot := SessionSnapshot{
		SessionID:         sessionID,
		State:             record.State,
		Channel:           record.Channel,
		MaskedDestination: record.MaskedDestination,
		ClosedReason:      record.ClosedReason,
		CreatedAt:         time.UnixMilli(record.CreatedAt),
		UpdatedAt:         time.UnixMilli(record.UpdatedAt),
	}
	if record.State == StateCodeIssued {
		snapshot.CodeExpiresAt = time.UnixMilli(record.CodeExpiresAt)
		snapshot.AttemptsRemaining = deps.MaxAttempts - int(record.CodeAttempts)
		if snapshot.AttemptsRemaining < 0 {
			snapshot.AttemptsRemaining = 0
		}
	}
	if record.ResetTokenExpiresAt > 0 {
		snapshot.ResetTokenExpiresAt = time.UnixMilli(record.ResetTokenExpiresAt)
	}
	return snapshot, nil
}

/*
====================================
HELPERS
====================================
*/

// resolveRef accepts either a session id or an encoded reset token.
func resolveRef(deps *VerificationDeps, ref string) (string, [32]byte, bool, error) {
	sessionID, hash, hasToken, err := parseRef(deps, ref)
	if err != nil {
		return "", hash, false, err
	}
	if !hasToken && deps.RequireResetToken {
		return sessionID, hash, false, deps.Errors.InvalidInput
	}
	return sessionID, hash, hasToken, nil
}

// parseRef splits ref into a session id and, for reset tokens, the token
// hash. It does not apply RequireResetToken.
func parseRef(deps *VerificationDeps, ref string) (string, [32]byte, bool, error) {
	var none [32]byte
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", none, false, deps.Errors.InvalidInput
	}
	if deps.IsResetToken(ref) {
		sessionID, hash, err := deps.ParseResetToken(ref)
		if err != nil {
			return "", none, false, deps.Errors.InvalidInput
		}
		return sessionID, hash, true, nil
	}
	return ref, none, false, nil
}

// checkAuthority enforces the allowed states and, when a token was
// presented, that it is the session's live reset token.
func checkAuthority(
	ctx context.Context,
	deps *VerificationDeps,
	base AuditRecord,
	record *stores.SessionRecord,
	tokenHash [32]byte,
	hasToken bool,
	allowed ...uint8,
) error {
	if IsTerminal(record.State) {
		return closedInput(ctx, deps, base, "closed")
	}
	permitted := false
	for _, state := range allowed {
		if record.State == state {
			permitted = true
			break
		}
	}
	if !permitted {
		base.EventType = deps.Events.SessionClosedInput
		base.Err = deps.Errors.InvalidState
		base.Metadata = reasonMeta("state_not_permitted")
		deps.MetricInc(deps.Metrics.SessionClosedInput)
		deps.EmitAudit(ctx, base)
		return deps.Errors.InvalidState
	}
	if hasToken && !deps.EqualHash(tokenHash, record.ResetTokenHash) {
		base.EventType = deps.Events.CredentialRejected
		base.Err = deps.Errors.InvalidInput
		base.Metadata = reasonMeta("token_mismatch")
		deps.EmitAudit(ctx, base)
		return deps.Errors.InvalidInput
	}
	return nil
}

func expireToken(ctx context.Context, deps *VerificationDeps, base AuditRecord, authority [32]byte, now time.Time) error {
	updated, err := deps.MutateSession(ctx, base.TenantID, base.SessionID, func(r *stores.SessionRecord) (time.Duration, error) {
		if IsTerminal(r.State) || !deps.EqualHash(r.ResetTokenHash, authority) {
			return 0, stores.ErrSkipWrite
		}
		closeRecord(r, StateExpired, reasonTokenExpired, now)
		return deps.TombstoneTTL, nil
	})
	if err != nil {
		mapped := storeError(deps, err)
		base.EventType = deps.Events.ResetTokenExpired
		base.Err = mapped
		deps.EmitAudit(ctx, base)
		return mapped
	}

	clearActive(ctx, deps, base.TenantID, base.SubjectID, base.SessionID)
	base.EventType = deps.Events.ResetTokenExpired
	base.To = updated.State
	base.Outcome = StatusExpired
	base.Err = deps.Errors.CodeExpired
	deps.EmitAudit(ctx, base)
	return nil
}

func closedInput(ctx context.Context, deps *VerificationDeps, base AuditRecord, op string) error {
	deps.MetricInc(deps.Metrics.SessionClosedInput)
	base.EventType = deps.Events.SessionClosedInput
	base.To = base.From
	base.Err = deps.Errors.SessionClosed
	base.Metadata = func() map[string]string {
		return map[string]string{
			"operation": op,
		}
	}
	deps.EmitAudit(ctx, base)
	return deps.Errors.SessionClosed
}

// storeError maps store failures and passes through errors the flow itself
// returned from a mutation.
func storeError(deps *VerificationDeps, err error) error {
	for _, known := range []error{
		deps.Errors.SessionClosed,
		deps.Errors.InvalidInput,
		deps.Errors.EntropySourceUnavailable,
	} {
		if errors.Is(err, known) {
			return known
		}
	}
	return deps.MapStoreError(err)
}

func closeRecord(r *stores.SessionRecord, state uint8, reason string, now time.Time) {
	clearCode(r)
	clearResetToken(r)
	r.CredentialHash = ""
	r.State = state
	r.ClosedReason = reason
	r.UpdatedAt = now.UnixMilli()
}

func clearCode(r *stores.SessionRecord) {
	r.CodeHash = [32]byte{}
	r.CodeSalt = [16]byte{}
	r.CodeExpiresAt = 0
}

func clearResetToken(r *stores.SessionRecord) {
	r.ResetTokenHash = [32]byte{}
	r.ResetTokenExpiresAt = 0
}

// recordTTL keeps the record until its latest live deadline plus the
// retention grace.
func recordTTL(deps *VerificationDeps, r *stores.SessionRecord, now time.Time) time.Duration {
	deadline := r.CodeExpiresAt
	if r.ResetTokenExpiresAt > deadline {
		deadline = r.ResetTokenExpiresAt
	}
	ttl := time.Duration(deadline-now.UnixMilli())*time.Millisecond + deps.RetentionGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func touchActive(ctx context.Context, deps *VerificationDeps, tenantID, subjectID, sessionID string, ttl time.Duration) {
	if subjectID == "" {
		return
	}
	if err := deps.TouchActive(ctx, tenantID, subjectID, sessionID, ttl); err != nil {
		deps.LogFault(ctx, "touch_subject_index", err)
	}
}

func clearActive(ctx context.Context, deps *VerificationDeps, tenantID, subjectID, sessionID string) {
	if subjectID == "" {
		return
	}
	if err := deps.ClearActive(ctx, tenantID, subjectID, sessionID); err != nil {
		deps.LogFault(ctx, "clear_subject_index", err)
	}
}

func defaultChannel(deps *VerificationDeps) string {
	for _, channel := range deps.ChannelPreference {
		if deps.HasChannel(channel) {
			return channel
		}
	}
	return ""
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func violationCodes(violations []policy.Violation) string {
	codes := make([]string, 0, len(violations))
	for _, v := range violations {
		codes = append(codes, v.Code)
	}
	return strings.Join(codes, ",")
}

func reasonMeta(reason string) func() map[string]string {
	return func() map[string]string {
		return map[string]string{
			"reason": reason,
		}
	}
}

func identifierMeta(identifier, reason string) func() map[string]string {
	return func() map[string]string {
		return map[string]string{
			"identifier":       identifier,
			"reason":           reason,
			"enumeration_safe": "true",
		}
	}
}

func verificationReady(deps *VerificationDeps) bool {
	return deps.LookupContact != nil &&
		deps.NewSessionID != nil &&
		deps.GetSession != nil &&
		deps.PutSession != nil &&
		deps.MutateSession != nil &&
		deps.ActiveSession != nil &&
		deps.SwapActive != nil &&
		deps.IssueCode != nil &&
		deps.NewSalt != nil &&
		deps.HashCode != nil &&
		deps.NewResetToken != nil &&
		deps.ParseResetToken != nil &&
		deps.Deliver != nil &&
		deps.ValidateCredential != nil &&
		deps.HashCredential != nil &&
		deps.ExecuteUpdate != nil &&
		deps.AcquireLease != nil &&
		deps.ReleaseLease != nil
}

func normalizeVerificationDeps(deps *VerificationDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 1
	}
	if deps.TombstoneTTL <= 0 {
		deps.TombstoneTTL = time.Minute
	}
	if deps.LeaseTTL <= 0 {
		deps.LeaseTTL = 30 * time.Second
	}
	if deps.TenantIDFromContext == nil {
		deps.TenantIDFromContext = func(context.Context) string { return "0" }
	}
	if deps.ClientIPFromContext == nil {
		deps.ClientIPFromContext = func(context.Context) string { return "" }
	}
	if deps.IsSubjectNotFound == nil {
		deps.IsSubjectNotFound = func(error) bool { return false }
	}
	if deps.HasChannel == nil {
		deps.HasChannel = func(string) bool { return true }
	}
	if deps.MaskDestination == nil {
		deps.MaskDestination = func(string, string) string { return "" }
	}
	if deps.FakeDestination == nil {
		deps.FakeDestination = func(string, string) string { return "" }
	}
	if deps.SleepEnumerationDelay == nil {
		deps.SleepEnumerationDelay = func(context.Context) error { return nil }
	}
	if deps.TouchActive == nil {
		deps.TouchActive = func(context.Context, string, string, string, time.Duration) error { return nil }
	}
	if deps.ClearActive == nil {
		deps.ClearActive = func(context.Context, string, string, string) error { return nil }
	}
	if deps.AllowIssue == nil {
		deps.AllowIssue = func(context.Context, string, string, string) error { return nil }
	}
	if deps.AllowVerify == nil {
		deps.AllowVerify = func(context.Context, string, string) error { return nil }
	}
	if deps.RecordFailure == nil {
		deps.RecordFailure = func(context.Context, string, string) error { return nil }
	}
	if deps.ResetVerify == nil {
		deps.ResetVerify = func(context.Context, string, string) error { return nil }
	}
	if deps.LimiterScope == nil {
		deps.LimiterScope = func(error) string { return "" }
	}
	if deps.MapLimiterError == nil {
		deps.MapLimiterError = func(error) error { return deps.Errors.StoreUnavailable }
	}
	if deps.MapStoreError == nil {
		deps.MapStoreError = func(error) error { return deps.Errors.StoreUnavailable }
	}
	if deps.EqualHash == nil {
		deps.EqualHash = func(a, b [32]byte) bool { return a == b }
	}
	if deps.RandomHash == nil {
		deps.RandomHash = func() ([32]byte, error) { return [32]byte{}, deps.Errors.EntropySourceUnavailable }
	}
	if deps.IsResetToken == nil {
		deps.IsResetToken = func(string) bool { return false }
	}
	if deps.RenderMessage == nil {
		deps.RenderMessage = func(_ string, code string, _ time.Duration) (string, error) { return code, nil }
	}
	if deps.DeliverAsync == nil {
		deps.DeliverAsync = func(ctx context.Context, channel, destination, message string) <-chan delivery.Result {
			out := make(chan delivery.Result, 1)
			receipt, err := deps.Deliver(ctx, channel, destination, message)
			out <- delivery.Result{Receipt: receipt, Err: err}
			close(out)
			return out
		}
	}
	if deps.IsInvalidDestination == nil {
		deps.IsInvalidDestination = func(error) bool { return false }
	}
	if deps.IdempotencyKey == nil {
		deps.IdempotencyKey = func(tenantID, sessionID string) string { return tenantID + ":" + sessionID }
	}
	if deps.NewLeaseOwner == nil {
		deps.NewLeaseOwner = func() string { return strconv.FormatInt(time.Now().UnixNano(), 36) }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.ObserveLatency == nil {
		deps.ObserveLatency = func(time.Duration) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, AuditRecord) {}
	}
	if deps.LogFault == nil {
		deps.LogFault = func(context.Context, string, error) {}
	}
}
