// Package otp generates one-time verification codes and their salted hashes.
//
// # Design
//
// Codes are sampled from a caller-chosen alphabet with rejection sampling over
// a cryptographically secure reader, so every symbol is equally likely. The
// stored form is HMAC-SHA256 keyed by an engine pepper concatenated with a
// per-code salt; the plaintext never leaves the caller.
//
// # What this package must NOT do
//
//   - Persist, log or deliver codes.
//   - Compare hashes with anything but constant-time comparison.
//   - Import goVerify or any sibling internal package.
package otp
