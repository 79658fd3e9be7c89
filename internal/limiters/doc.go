// Package limiters provides the verification limiters built on top of the
// internal/rate primitives.
//
// # Limiters
//
//   - [VerificationLimiter.AllowIssue]: sliding window per subject plus an
//     optional fixed window per client IP.
//   - [VerificationLimiter.AllowVerify] / [VerificationLimiter.RecordFailure]:
//     strict failure counter per session.
//
// All methods are nil-safe: calling any method on a nil receiver returns nil.
// Denials carry a [Scope] for audit metadata; callers must surface only the
// generic rate-limited signal.
//
// # What this package must NOT do
//
//   - Import goVerify or any sibling internal package except internal/rate.
//   - Make policy decisions beyond counting; flow functions decide consequences.
package limiters
