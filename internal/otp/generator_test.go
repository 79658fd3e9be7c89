package otp

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestIssueProducesCodeFromAlphabet(t *testing.T) {
	g := New([]byte("pepper"))
	salt := []byte("0123456789abcdef")

	for _, alphabet := range []string{AlphabetNumeric, AlphabetAlphanumeric} {
		code, hash, err := g.Issue(8, alphabet, salt)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if len(code) != 8 {
			t.Fatalf("expected 8 symbols, got %q", code)
		}
		for _, c := range code {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("symbol %q outside alphabet %q", c, alphabet)
			}
		}
		if hash != g.Hash(code, salt) {
			t.Fatal("hash does not match recomputed hash")
		}
	}
}

func TestHashDependsOnSaltAndPepper(t *testing.T) {
	a := New([]byte("pepper-a"))
	b := New([]byte("pepper-b"))

	if a.Hash("123456", []byte("salt-1")) == a.Hash("123456", []byte("salt-2")) {
		t.Fatal("expected different hashes for different salts")
	}
	if a.Hash("123456", []byte("salt-1")) == b.Hash("123456", []byte("salt-1")) {
		t.Fatal("expected different hashes for different peppers")
	}
}

func TestIssueRejectsInvalidParameters(t *testing.T) {
	g := New(nil)

	if _, _, err := g.Issue(3, AlphabetNumeric, nil); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, _, err := g.Issue(13, AlphabetNumeric, nil); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, _, err := g.Issue(6, "aa", nil); !errors.Is(err, ErrInvalidAlphabet) {
		t.Fatalf("expected ErrInvalidAlphabet for duplicates, got %v", err)
	}
	if _, _, err := g.Issue(6, "1", nil); !errors.Is(err, ErrInvalidAlphabet) {
		t.Fatalf("expected ErrInvalidAlphabet for short alphabet, got %v", err)
	}
}

func TestIssueFailsWhenEntropyUnavailable(t *testing.T) {
	g := &Generator{Rand: failingReader{}}

	if _, _, err := g.Issue(6, AlphabetNumeric, nil); !errors.Is(err, ErrEntropySourceUnavailable) {
		t.Fatalf("expected ErrEntropySourceUnavailable, got %v", err)
	}
	if _, err := g.NewSalt(); !errors.Is(err, ErrEntropySourceUnavailable) {
		t.Fatalf("expected ErrEntropySourceUnavailable from NewSalt, got %v", err)
	}
}

func TestCodeRejectsBiasedBytes(t *testing.T) {
	// 250..255 are above the largest multiple of 10 and must be skipped.
	src := bytes.NewReader([]byte{255, 250, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 1, 2})
	g := &Generator{Rand: src}

	code, err := g.Code(4, AlphabetNumeric)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if code != "1234" {
		t.Fatalf("expected 1234, got %q", code)
	}
}

func TestCodeDistributionCoversAlphabet(t *testing.T) {
	g := New(nil)
	seen := map[byte]int{}
	for i := 0; i < 500; i++ {
		code, err := g.Code(6, AlphabetNumeric)
		if err != nil {
			t.Fatalf("Code failed: %v", err)
		}
		for j := 0; j < len(code); j++ {
			seen[code[j]]++
		}
	}
	if len(seen) != len(AlphabetNumeric) {
		t.Fatalf("expected every digit to appear, saw %d distinct", len(seen))
	}
}

func TestEqualTimingIndependentOfMatchingPrefix(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	g := New([]byte("pepper"))
	target := g.Hash("483920", []byte("salt"))

	early := target
	early[0] ^= 0xff
	late := target
	late[31] ^= 0xff

	measure := func(candidate [32]byte) time.Duration {
		const rounds = 25
		const inner = 20000
		samples := make([]time.Duration, 0, rounds)
		for r := 0; r < rounds; r++ {
			start := time.Now()
			for i := 0; i < inner; i++ {
				if Equal(target, candidate) {
					t.Fatal("near-miss compared equal")
				}
			}
			samples = append(samples, time.Since(start))
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		return samples[len(samples)/2]
	}

	// Warm up before sampling.
	measure(early)

	earlyMedian := measure(early)
	lateMedian := measure(late)

	ratio := float64(lateMedian) / float64(earlyMedian)
	if ratio > 2.5 || ratio < 0.4 {
		t.Fatalf("comparison time correlates with matching prefix: early=%v late=%v ratio=%.2f", earlyMedian, lateMedian, ratio)
	}
}
