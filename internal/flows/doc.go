// Package flows contains the pure-function orchestrators behind every Engine
// operation of the verification workflow.
//
// Each flow function (RunRequestCode, RunSubmitCode, RunSubmitCredential,
// RunConfirmAndExecute, RunAbort, RunInspect) accepts a [VerificationDeps]
// value and performs all I/O through its closures. The Engine builds the
// closures once; tests substitute fakes.
//
// # Session lifecycle
//
//	Initiated -> CodeIssued -> Verified -> PasswordCollected -> Completed
//	                 |              |              |
//	                 +--------------+--------------+--> Aborted | Expired
//
// Every transition is applied through a single compare-and-swap mutation of
// the stored session record. Terminal states never transition again.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goVerify (to avoid import cycles).
//   - Return or audit plaintext codes, reset tokens or credentials.
package flows
