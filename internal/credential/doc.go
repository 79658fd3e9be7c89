// Package credential wraps the identity provider's update-credential call
// with an idempotency ledger, failure classification and a bounded retry
// policy.
//
// A deadline or cancellation during the call is always transient: the
// update may or may not have happened, so the caller keeps the session
// retryable and the provider deduplicates on the idempotency key.
package credential
