// Package password hashes collected credentials with Argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The verification engine hashes a candidate as soon as it passes policy, so
// only the PHC string is persisted between SubmitNewCredential and
// ConfirmAndExecute. [Argon2.Matches] lets the policy validator compare a
// candidate against the identity provider's recent-credential history.
//
// # What this package must NOT do
//
//   - Enforce complexity rules; that is the policy package's job.
//   - Import any other goVerify package.
//   - Log plaintext credentials.
package password
