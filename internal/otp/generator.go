package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// AlphabetNumeric is the default code alphabet.
	AlphabetNumeric = "0123456789"
	// AlphabetAlphanumeric is Crockford base32 without the ambiguous I, L, O and U.
	AlphabetAlphanumeric = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	MinLength   = 4
	MaxLength   = 12
	SaltSize    = 16
	maxAlphabet = 64
)

var (
	ErrEntropySourceUnavailable = errors.New("entropy source unavailable")
	ErrInvalidLength            = errors.New("invalid otp length")
	ErrInvalidAlphabet          = errors.New("invalid otp alphabet")
)

// Generator issues codes. The zero value uses crypto/rand and no pepper.
type Generator struct {
	Pepper []byte
	Rand   io.Reader
}

func New(pepper []byte) *Generator {
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &Generator{Pepper: p}
}

// Issue returns a fresh code of the given length over alphabet together with
// its hash under salt.
func (g *Generator) Issue(length int, alphabet string, salt []byte) (string, [32]byte, error) {
	var zero [32]byte

	code, err := g.Code(length, alphabet)
	if err != nil {
		return "", zero, err
	}
	return code, g.Hash(code, salt), nil
}

// Code samples a code without hashing it.
func (g *Generator) Code(length int, alphabet string) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", ErrInvalidLength
	}
	if err := ValidateAlphabet(alphabet); err != nil {
		return "", err
	}

	n := len(alphabet)
	// Largest multiple of n that fits in a byte; bytes at or above it are
	// rejected to keep the distribution uniform.
	limit := 256 - (256 % n)

	var b strings.Builder
	b.Grow(length)

	buf := make([]byte, length*2)
	for b.Len() < length {
		if _, err := io.ReadFull(g.reader(), buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntropySourceUnavailable, err)
		}
		for _, v := range buf {
			if int(v) >= limit {
				continue
			}
			b.WriteByte(alphabet[int(v)%n])
			if b.Len() == length {
				break
			}
		}
	}

	return b.String(), nil
}

// Hash computes HMAC-SHA256(pepper || salt, code).
func (g *Generator) Hash(code string, salt []byte) [32]byte {
	key := make([]byte, 0, len(g.Pepper)+len(salt))
	key = append(key, g.Pepper...)
	key = append(key, salt...)

	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(code))

	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// NewSalt returns a random per-code salt.
func (g *Generator) NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(g.reader(), salt[:]); err != nil {
		return salt, fmt.Errorf("%w: %v", ErrEntropySourceUnavailable, err)
	}
	return salt, nil
}

// Equal compares two hashes in constant time.
func Equal(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// ValidateAlphabet requires 2..64 distinct ASCII symbols.
func ValidateAlphabet(alphabet string) error {
	if len(alphabet) < 2 || len(alphabet) > maxAlphabet {
		return ErrInvalidAlphabet
	}
	var seen [256]bool
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if c < 0x21 || c > 0x7e || seen[c] {
			return ErrInvalidAlphabet
		}
		seen[c] = true
	}
	return nil
}

func (g *Generator) reader() io.Reader {
	if g == nil || g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}
