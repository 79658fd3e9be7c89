package policy

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Violation codes. They describe the candidate only, never the account.
const (
	CodeMinLength          = "min_length"
	CodeMaxLength          = "max_length"
	CodeMinUpper           = "min_upper"
	CodeMinLower           = "min_lower"
	CodeMinDigits          = "min_digits"
	CodeMinSymbols         = "min_symbols"
	CodeContainsIdentifier = "contains_identifier"
	CodeRecentlyUsed       = "recently_used"
)

const minIdentifierRunes = 3

// Rules configures the validator. Zero values disable the corresponding
// check.
type Rules struct {
	MinLength                int
	MaxLength                int
	MinUpper                 int
	MinLower                 int
	MinDigits                int
	MinSymbols               int
	RejectSubjectIdentifiers bool
	HistoryDepth             int
}

// DefaultRules returns the rules used when none are configured.
func DefaultRules() Rules {
	return Rules{
		MinLength:                12,
		MaxLength:                128,
		MinUpper:                 1,
		MinLower:                 1,
		MinDigits:                1,
		MinSymbols:               1,
		RejectSubjectIdentifiers: true,
		HistoryDepth:             5,
	}
}

// SubjectContext is what the identity provider knows about the subject that
// the rules may consult.
type SubjectContext struct {
	SubjectID              string
	Identifiers            []string
	RecentCredentialHashes []string
}

// Violation is one failed rule.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HistoryMatcher reports whether candidate produced encodedHash.
type HistoryMatcher interface {
	Matches(candidate, encodedHash string) (bool, error)
}

// Validator checks candidates against Rules. It is safe for concurrent use.
type Validator struct {
	rules   Rules
	history HistoryMatcher
}

func New(rules Rules, history HistoryMatcher) *Validator {
	return &Validator{rules: rules, history: history}
}

func (v *Validator) Rules() Rules {
	return v.rules
}

// Validate runs every rule and returns all violations in a fixed order.
// The result depends only on the arguments.
func (v *Validator) Validate(candidate string, subject SubjectContext) (bool, []Violation) {
	var out []Violation
	r := v.rules

	length := utf8.RuneCountInString(candidate)
	if r.MinLength > 0 && length < r.MinLength {
		out = append(out, Violation{CodeMinLength, fmt.Sprintf("must be at least %d characters", r.MinLength)})
	}
	if r.MaxLength > 0 && length > r.MaxLength {
		out = append(out, Violation{CodeMaxLength, fmt.Sprintf("must be at most %d characters", r.MaxLength)})
	}

	classes := countClasses(candidate)
	if classes.upper < r.MinUpper {
		out = append(out, Violation{CodeMinUpper, fmt.Sprintf("must contain at least %d uppercase letter(s)", r.MinUpper)})
	}
	if classes.lower < r.MinLower {
		out = append(out, Violation{CodeMinLower, fmt.Sprintf("must contain at least %d lowercase letter(s)", r.MinLower)})
	}
	if classes.digits < r.MinDigits {
		out = append(out, Violation{CodeMinDigits, fmt.Sprintf("must contain at least %d digit(s)", r.MinDigits)})
	}
	if classes.symbols < r.MinSymbols {
		out = append(out, Violation{CodeMinSymbols, fmt.Sprintf("must contain at least %d symbol(s)", r.MinSymbols)})
	}

	if r.RejectSubjectIdentifiers && containsIdentifier(candidate, subject) {
		out = append(out, Violation{CodeContainsIdentifier, "must not contain your account name or contact details"})
	}

	if r.HistoryDepth > 0 && v.history != nil && v.recentlyUsed(candidate, subject.RecentCredentialHashes) {
		out = append(out, Violation{CodeRecentlyUsed, "must differ from recently used passwords"})
	}

	return len(out) == 0, out
}

func (v *Validator) recentlyUsed(candidate string, hashes []string) bool {
	if len(hashes) > v.rules.HistoryDepth {
		hashes = hashes[:v.rules.HistoryDepth]
	}
	for _, h := range hashes {
		// Undecodable history entries are skipped rather than failing the
		// candidate.
		if ok, err := v.history.Matches(candidate, h); err == nil && ok {
			return true
		}
	}
	return false
}

type classCounts struct {
	upper, lower, digits, symbols int
}

func countClasses(s string) classCounts {
	var c classCounts
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			c.upper++
		case unicode.IsLower(r):
			c.lower++
		case unicode.IsDigit(r):
			c.digits++
		case unicode.IsPunct(r), unicode.IsSymbol(r), r == ' ':
			c.symbols++
		}
	}
	return c
}

func containsIdentifier(candidate string, subject SubjectContext) bool {
	lowered := strings.ToLower(candidate)
	ids := make([]string, 0, len(subject.Identifiers)+1)
	ids = append(ids, subject.SubjectID)
	ids = append(ids, subject.Identifiers...)

	for _, id := range ids {
		for _, part := range identifierParts(id) {
			if utf8.RuneCountInString(part) < minIdentifierRunes {
				continue
			}
			if strings.Contains(lowered, part) {
				return true
			}
		}
	}
	return false
}

// identifierParts yields the identifier and, for email addresses, the local
// part, lower-cased.
func identifierParts(id string) []string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return nil
	}
	if local, _, ok := strings.Cut(id, "@"); ok && local != "" {
		return []string{id, local}
	}
	return []string{id}
}
