// Package internal contains helper utilities that are private to goVerify:
// session identifiers, reset-token encoding and idempotency key derivation.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - credential: identity-provider update client with ledger and retry policy
//   - delivery: channel-agnostic message dispatcher
//   - flows: pure-function orchestrators for every verification operation
//   - limiters: issuance and verification limiters
//   - otp: one-time code generation and hashing
//   - rate: core Redis-backed window primitives
//   - stores: session record store, subject index and idempotency ledger
//
// # What this package must NOT do
//
//   - Export types that appear in the public goVerify API.
//   - Be imported by any package outside the goVerify module.
package internal
