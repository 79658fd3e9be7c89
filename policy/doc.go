// Package policy validates candidate credentials against configurable
// complexity and reuse rules.
//
// [Validator.Validate] is deterministic and reports every violation at once
// so a front end can show complete guidance in one round trip. Violation
// messages are safe to display: they describe the candidate, not the
// account.
//
// # What this package must NOT do
//
//   - Hash, store or log candidates.
//   - Call the identity provider; history hashes arrive in [SubjectContext].
package policy
