// Package security builds the posture report exposed by
// Engine.SecurityReport.
//
// # What this package must NOT do
//
//   - Read secrets or include them in a report.
//   - Import goVerify or perform I/O.
package security
