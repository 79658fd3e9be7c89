// Package middleware adapts HTTP requests for goVerify engine calls.
//
//   - [RequestContext] copies the client IP and tenant into the request
//     context, where the engine reads them for IP throttling and key
//     namespacing.
//   - [AccessLog] writes one zap line per request with a request id.
//   - [RequireReference] extracts the session reference (reset token or
//     session id) from the Authorization header.
//
// # What this package must NOT do
//
//   - Call the engine or make verification decisions.
//   - Log or echo the reference it extracts.
package middleware
