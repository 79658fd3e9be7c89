// Package stores provides the Redis-backed secret record store for
// verification sessions, the subject-to-session index and the credential
// update ledger.
//
// # Design
//
// Each session is a versioned, binary-encoded record with a TTL enforced by
// Redis. Every mutation goes through [SessionStore.CompareAndSwap], a
// WATCH/MULTI optimistic transaction keyed on the record version, and
// [SessionStore.Mutate] retries it on contention. Concurrent writers for one
// session therefore serialize: attempt counters never lose updates and at
// most one writer wins any state transition.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control. It does NOT generate
// codes, enforce rate limits, or decide state transitions; those
// responsibilities belong to internal/flows.
//
// # What this package must NOT do
//
//   - Import goVerify or any sibling internal package.
//   - Store or log plaintext secrets.
package stores
