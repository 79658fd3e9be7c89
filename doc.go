// Package goVerify runs one-time-code verification sessions that end in a
// credential reset: request a code over SMS, email or a chat app, verify it,
// collect a policy-compliant credential, and apply it through an identity
// provider exactly once.
//
// Engine methods are safe to call from multiple goroutines and from multiple
// processes sharing the same Redis, after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// goVerify is the public surface. It exposes [Engine], [Builder], [Config],
// the [IdentityProvider] and [ChannelAdapter] ports, and value types
// (SubmitCodeResult, SessionView, MetricsSnapshot). Session state machine,
// record encoding, rate limiting, delivery retries and audit dispatch live
// under internal/ and are never exported.
//
// # Secrets
//
// Plaintext codes and reset tokens exist only in the message handed to a
// ChannelAdapter and the value returned to the caller. Only salted, peppered
// SHA-256 hashes are stored. Audit events, logs and SessionView never carry
// either.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its public API.
//   - Reveal whether a subject exists or owns a channel through return values.
//   - Import any sub-package that re-imports goVerify (no import cycles).
package goVerify
