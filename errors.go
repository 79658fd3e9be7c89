package goVerify

import (
	"errors"

	"github.com/MrEthical07/goVerify/internal/delivery"
)

var (
	// ErrRateLimited is returned for every limiter denial. The limiter scope is
	// recorded in audit metadata only.
	ErrRateLimited = errors.New("too many attempts")
	// ErrInvalidCode is the error form of a Rejected code submission.
	ErrInvalidCode = errors.New("invalid code")
	// ErrCodeExpired is the error form of an Expired code or reset token.
	ErrCodeExpired = errors.New("code expired")
	// ErrPolicyViolation is the error form of a PolicyViolation credential submission.
	ErrPolicyViolation = errors.New("credential policy violation")
	// ErrSessionClosed is returned for input against a session that cannot accept it.
	ErrSessionClosed = errors.New("verification session closed")
	// ErrSessionNotFound is returned when no session exists for the reference.
	ErrSessionNotFound = errors.New("verification session not found")
	// ErrInvalidState is returned when an operation is not permitted in the current state.
	ErrInvalidState = errors.New("operation not permitted in current session state")
	// ErrSessionBusy is returned when another caller holds the session.
	ErrSessionBusy = errors.New("verification session busy")
	// ErrChannelUnavailable is returned when no adapter could deliver the code.
	ErrChannelUnavailable = delivery.ErrChannelUnavailable
	// ErrInvalidDestination is returned when a channel rejected the destination.
	ErrInvalidDestination = delivery.ErrInvalidDestination
	ErrStoreUnavailable   = errors.New("secret store unavailable")
	// ErrProviderUnavailable is returned when the identity provider failed
	// transiently. The session remains retryable.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrProviderPermanentFailure is returned when the identity provider
	// rejected the update. The session is aborted.
	ErrProviderPermanentFailure = errors.New("identity provider rejected update")
	ErrEntropySourceUnavailable = errors.New("entropy source unavailable")
	// ErrSubjectNotFound is returned by identity providers for unknown subjects.
	// The engine never surfaces it to callers.
	ErrSubjectNotFound = errors.New("subject not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEngineNotReady  = errors.New("engine not ready")
)

// PublicMessage returns text that is safe to show an end user for err. It
// never reveals whether a subject exists, which limiter fired or what the
// identity provider reported.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "Too many attempts. Please wait before trying again."
	case errors.Is(err, ErrInvalidCode):
		return "The code you entered is incorrect."
	case errors.Is(err, ErrCodeExpired):
		return "The code has expired. Please request a new one."
	case errors.Is(err, ErrPolicyViolation):
		return "The new password does not meet the requirements."
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrInvalidState):
		return "This verification is no longer valid. Please start again."
	case errors.Is(err, ErrSessionBusy):
		return "Your request is already being processed."
	case errors.Is(err, ErrChannelUnavailable):
		return "We could not send the code right now. Please try again shortly."
	case errors.Is(err, ErrInvalidDestination):
		return "We could not send the code to the address on file."
	case errors.Is(err, ErrProviderPermanentFailure):
		return "Your password could not be changed. Please contact support."
	case errors.Is(err, ErrInvalidInput):
		return "The request was incomplete or malformed."
	default:
		return "Something went wrong. Please try again."
	}
}
