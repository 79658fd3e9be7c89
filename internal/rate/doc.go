// Package rate provides the Redis window primitives that the verification
// limiters are built from.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit.
// Sliding windows: a sorted-set log of hit timestamps trimmed to the window
// on every call (ZREMRANGEBYSCORE, ZADD, ZCARD, PEXPIRE in one MULTI).
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (those live in internal/limiters).
//   - Be imported outside the goVerify module.
package rate
