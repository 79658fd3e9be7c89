// Package memidentity is an in-memory goVerify IdentityProvider for
// development servers, examples and tests.
package memidentity

import (
	"context"
	"fmt"
	"sync"

	goVerify "github.com/MrEthical07/goVerify"
)

type subject struct {
	info    goVerify.ContactInfo
	hash    string
	history []string
}

type Provider struct {
	mu       sync.RWMutex
	subjects map[string]*subject
	applied  map[string]string
	depth    int
}

var _ goVerify.IdentityProvider = (*Provider)(nil)

// New keeps the last historyDepth credential hashes per subject.
func New(historyDepth int) *Provider {
	if historyDepth < 0 {
		historyDepth = 0
	}
	return &Provider{
		subjects: make(map[string]*subject),
		applied:  make(map[string]string),
		depth:    historyDepth,
	}
}

// Put creates or replaces a subject. Existing credential history is kept.
func (p *Provider) Put(info goVerify.ContactInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info.RecentCredentialHashes = nil
	if s, ok := p.subjects[info.SubjectID]; ok {
		s.info = info
		return
	}
	p.subjects[info.SubjectID] = &subject{info: info}
}

func (p *Provider) LookupContactInfo(_ context.Context, subjectID string) (goVerify.ContactInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.subjects[subjectID]
	if !ok {
		return goVerify.ContactInfo{}, fmt.Errorf("%w: %s", goVerify.ErrSubjectNotFound, subjectID)
	}
	info := s.info
	info.ChannelsAvailable = append([]goVerify.ChannelType(nil), s.info.ChannelsAvailable...)
	info.Identifiers = append([]string(nil), s.info.Identifiers...)
	info.RecentCredentialHashes = append([]string(nil), s.history...)
	return info, nil
}

func (p *Provider) UpdateCredential(_ context.Context, subjectID, credentialHash, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if owner, ok := p.applied[idempotencyKey]; ok {
		if owner != subjectID {
			return goVerify.NewPermanentProviderError("idempotency_key_conflict", nil)
		}
		return nil
	}
	s, ok := p.subjects[subjectID]
	if !ok {
		return goVerify.NewPermanentProviderError("subject_not_found", goVerify.ErrSubjectNotFound)
	}

	s.hash = credentialHash
	s.history = append([]string{credentialHash}, s.history...)
	if len(s.history) > p.depth {
		s.history = s.history[:p.depth]
	}
	p.applied[idempotencyKey] = subjectID
	return nil
}

// CredentialHash returns the subject's current stored hash.
func (p *Provider) CredentialHash(subjectID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.subjects[subjectID]
	if !ok || s.hash == "" {
		return "", false
	}
	return s.hash, true
}
