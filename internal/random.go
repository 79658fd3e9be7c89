package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"github.com/google/uuid"
)

// SessionID is the raw form of a verification session identifier.
type SessionID [16]byte

const (
	resetTokenRawSize = 48
	resetSecretSize   = 32
)

// idempotencyNamespace scopes derived credential-update keys.
var idempotencyNamespace = uuid.MustParse("6f1d3c2e-8a44-5b0e-9c1f-2d7a8e4b5c90")

func NewSessionID() (SessionID, error) {
	return NewSessionIDFrom(rand.Reader)
}

func NewSessionIDFrom(r io.Reader) (SessionID, error) {
	var sid SessionID
	_, err := io.ReadFull(r, sid[:])
	return sid, err
}

func (s SessionID) Bytes() []byte {
	return s[:]
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

func NewResetSecret() ([resetSecretSize]byte, error) {
	return NewResetSecretFrom(rand.Reader)
}

func NewResetSecretFrom(r io.Reader) ([resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte
	_, err := io.ReadFull(r, secret[:])
	return secret, err
}

func HashResetSecret(secret [resetSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeResetToken packs the session id and the reset secret into one
// opaque token so a token alone locates its session.
func EncodeResetToken(sessionID string, secret [resetSecretSize]byte) (string, error) {
	sid, err := ParseSessionID(sessionID)
	if err != nil {
		return "", err
	}

	var raw [resetTokenRawSize]byte
	copy(raw[:len(sid)], sid[:])
	copy(raw[len(sid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeResetToken(token string) (string, [resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != resetTokenRawSize {
		return "", secret, errors.New("invalid reset token size")
	}

	var sid SessionID
	copy(sid[:], raw[:len(sid)])
	copy(secret[:], raw[len(sid):])

	return sid.String(), secret, nil
}

// IsResetToken reports whether ref has the shape of an encoded reset token
// rather than a bare session id.
func IsResetToken(ref string) bool {
	return base64.RawURLEncoding.DecodedLen(len(ref)) == resetTokenRawSize
}

// IdempotencyKey derives the credential-update key for a session. The same
// tenant and session always yield the same key.
func IdempotencyKey(tenantID, sessionID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(tenantID+":"+sessionID)).String()
}
