package goVerify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goVerify/internal/delivery"
	internalflows "github.com/MrEthical07/goVerify/internal/flows"
	"github.com/MrEthical07/goVerify/policy"
)

// SessionState is the lifecycle state of a verification session.
type SessionState uint8

const (
	StateInitiated         = SessionState(internalflows.StateInitiated)
	StateCodeIssued        = SessionState(internalflows.StateCodeIssued)
	StateVerified          = SessionState(internalflows.StateVerified)
	StatePasswordCollected = SessionState(internalflows.StatePasswordCollected)
	StateCompleted         = SessionState(internalflows.StateCompleted)
	StateAborted           = SessionState(internalflows.StateAborted)
	StateExpired           = SessionState(internalflows.StateExpired)
)

func (s SessionState) String() string {
	if name := internalflows.StateName(uint8(s)); name != "" {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return internalflows.IsTerminal(uint8(s))
}

// ChannelType tags a delivery channel. Adapters are registered per tag.
type ChannelType string

const (
	ChannelSMS   ChannelType = "sms"
	ChannelEmail ChannelType = "email"
	ChannelApp   ChannelType = "app"
)

// CodeStatus is the outcome of SubmitCode.
type CodeStatus string

const (
	CodeVerified CodeStatus = internalflows.StatusVerified
	CodeRejected CodeStatus = internalflows.StatusRejected
	CodeAborted  CodeStatus = internalflows.StatusAborted
	CodeExpired  CodeStatus = internalflows.StatusExpired
)

// CredentialStatus is the outcome of SubmitNewCredential.
type CredentialStatus string

const (
	CredentialAccepted        CredentialStatus = internalflows.StatusAccepted
	CredentialPolicyViolation CredentialStatus = internalflows.StatusPolicyViolation
	CredentialExpired         CredentialStatus = internalflows.StatusExpired
)

// ExecuteStatus is the outcome of ConfirmAndExecute.
type ExecuteStatus string

const (
	ExecuteCompleted ExecuteStatus = internalflows.StatusCompleted
	ExecuteFailed    ExecuteStatus = internalflows.StatusFailed
	ExecuteExpired   ExecuteStatus = internalflows.StatusExpired
)

type RequestCodeResult struct {
	SessionID         string
	Channel           ChannelType
	MaskedDestination string
	ExpiresAt         time.Time
}

// SubmitCodeResult carries the outcome of a code submission. ResetToken is
// set only when Status is CodeVerified and is shown to nobody but the caller.
type SubmitCodeResult struct {
	Status              CodeStatus
	ResetToken          string
	ResetTokenExpiresAt time.Time
	AttemptsRemaining   int
}

// Err maps a non-verified status to its sentinel so front ends can use
// PublicMessage uniformly. It returns nil for CodeVerified.
func (r SubmitCodeResult) Err() error {
	switch r.Status {
	case CodeVerified:
		return nil
	case CodeRejected:
		return ErrInvalidCode
	case CodeExpired:
		return ErrCodeExpired
	case CodeAborted:
		return ErrRateLimited
	default:
		return ErrInvalidState
	}
}

type CredentialResult struct {
	Status              CredentialStatus
	Violations          []policy.Violation
	ResetTokenExpiresAt time.Time
}

func (r CredentialResult) Err() error {
	switch r.Status {
	case CredentialAccepted:
		return nil
	case CredentialPolicyViolation:
		return ErrPolicyViolation
	case CredentialExpired:
		return ErrCodeExpired
	default:
		return ErrInvalidState
	}
}

type ExecuteResult struct {
	Status   ExecuteStatus
	Replayed bool
}

func (r ExecuteResult) Err() error {
	switch r.Status {
	case ExecuteCompleted:
		return nil
	case ExecuteExpired:
		return ErrCodeExpired
	case ExecuteFailed:
		return ErrProviderPermanentFailure
	default:
		return ErrInvalidState
	}
}

// SessionView is a read-only, secret-free view of a session.
type SessionView struct {
	SessionID           string
	State               SessionState
	Channel             ChannelType
	MaskedDestination   string
	CodeExpiresAt       time.Time
	ResetTokenExpiresAt time.Time
	AttemptsRemaining   int
	ClosedReason        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ContactInfo is what an identity provider knows about a subject.
type ContactInfo struct {
	SubjectID         string
	Phone             string
	Email             string
	AppChatID         string
	ChannelsAvailable []ChannelType
	// Identifiers are matched case-insensitively against candidate credentials
	// (username, email local part, display name).
	Identifiers            []string
	RecentCredentialHashes []string
}

// Destination returns the raw destination for channel, or "" if none.
func (c ContactInfo) Destination(channel ChannelType) string {
	switch channel {
	case ChannelSMS:
		return c.Phone
	case ChannelEmail:
		return c.Email
	case ChannelApp:
		return c.AppChatID
	default:
		return ""
	}
}

// IdentityProvider resolves subjects and applies credential updates.
//
// LookupContactInfo returns ErrSubjectNotFound (possibly wrapped) for
// unknown subjects. UpdateCredential must treat a repeated idempotencyKey as
// a no-op success, and should return a *ProviderError so the engine can tell
// permanent rejections from transient faults.
type IdentityProvider interface {
	LookupContactInfo(ctx context.Context, subjectID string) (ContactInfo, error)
	UpdateCredential(ctx context.Context, subjectID, credentialHash, idempotencyKey string) error
}

type DeliveryReceipt = delivery.Receipt

// ChannelAdapter transmits a rendered message. Errors wrapping
// ErrInvalidDestination are not retried.
type ChannelAdapter interface {
	Send(ctx context.Context, destination, message string) (DeliveryReceipt, error)
}

type ProviderFailureKind uint8

const (
	ProviderTransient ProviderFailureKind = iota
	ProviderPermanent
)

func (k ProviderFailureKind) String() string {
	if k == ProviderPermanent {
		return "permanent"
	}
	return "transient"
}

// ProviderError classifies an identity provider failure. Code is a provider
// specific reason that is written to the audit log and never returned to end
// users.
type ProviderError struct {
	Kind ProviderFailureKind
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("identity provider %s failure: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("identity provider %s failure: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewPermanentProviderError reports a rejection the provider will not
// change its mind about (validation failure, locked account).
func NewPermanentProviderError(code string, err error) *ProviderError {
	return &ProviderError{Kind: ProviderPermanent, Code: code, Err: err}
}

func NewTransientProviderError(code string, err error) *ProviderError {
	return &ProviderError{Kind: ProviderTransient, Code: code, Err: err}
}

func isPermanentProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderPermanent
}
