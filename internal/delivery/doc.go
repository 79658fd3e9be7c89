// Package delivery dispatches rendered messages to channel adapters.
//
// The dispatcher selects an [Adapter] by channel tag, applies a per-attempt
// timeout and a bounded exponential backoff, and classifies failures into
// [ErrInvalidDestination] (terminal) and [ErrChannelUnavailable] (retryable by
// the caller). Delivery is best-effort: a receipt means the provider accepted
// the message, not that a person read it.
//
// # What this package must NOT do
//
//   - Know about codes, tokens or credentials; it sees only strings.
//   - Log message bodies.
//   - Import goVerify or any sibling internal package.
package delivery
