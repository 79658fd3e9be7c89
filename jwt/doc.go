// Package jwt signs and verifies the short-lived service assertions goVerify
// presents to a remote identity provider. Each assertion names one subject,
// one action and, for credential updates, the idempotency key as its jti.
package jwt
