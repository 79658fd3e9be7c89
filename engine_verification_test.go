package goVerify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goVerify/policy"
)

const testCode = "123456"

type stubIdentity struct {
	mu        sync.Mutex
	contacts  map[string]ContactInfo
	applied   map[string]string
	failures  []error
	calls     int
	lookupErr error
}

func newStubIdentity() *stubIdentity {
	return &stubIdentity{
		contacts: map[string]ContactInfo{
			"user1": {
				SubjectID:         "user1",
				Phone:             "+15551234567",
				Email:             "user1@example.com",
				ChannelsAvailable: []ChannelType{ChannelSMS, ChannelEmail},
				Identifiers:       []string{"user1", "user1@example.com"},
			},
			"user2": {
				SubjectID:         "user2",
				Email:             "user2@example.com",
				ChannelsAvailable: []ChannelType{ChannelEmail},
			},
		},
		applied: make(map[string]string),
	}
}

func (s *stubIdentity) LookupContactInfo(_ context.Context, subjectID string) (ContactInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return ContactInfo{}, s.lookupErr
	}
	c, ok := s.contacts[subjectID]
	if !ok {
		return ContactInfo{}, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	return c, nil
}

func (s *stubIdentity) UpdateCredential(_ context.Context, _ string, credentialHash, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := s.applied[idempotencyKey]; !ok {
		s.applied[idempotencyKey] = credentialHash
	}
	return nil
}

func (s *stubIdentity) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubIdentity) appliedHashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.applied))
	for _, h := range s.applied {
		out = append(out, h)
	}
	return out
}

type recordingChannel struct {
	mu           sync.Mutex
	destinations []string
	messages     []string
	err          error
}

func (c *recordingChannel) Send(_ context.Context, destination, message string) (DeliveryReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return DeliveryReceipt{}, c.err
	}
	c.destinations = append(c.destinations, destination)
	c.messages = append(c.messages, message)
	return DeliveryReceipt{ProviderID: fmt.Sprintf("msg-%d", len(c.messages))}, nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *recordingChannel) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Emit(_ context.Context, event AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

type verificationFixture struct {
	engine   *Engine
	identity *stubIdentity
	sms      *recordingChannel
	email    *recordingChannel
	sink     *recordingSink
	mr       *miniredis.Miniredis
	rdb      *redis.Client

	mu    sync.Mutex
	now   time.Time
	codes []string
}

func testVerificationConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Retry.BaseBackoff = 0
	cfg.Retry.MaxBackoff = 0
	cfg.Retry.ProviderBackoff = 0
	cfg.Security.EnumerationDelayMin = 0
	cfg.Security.EnumerationDelayMax = 0
	cfg.Audit.BufferSize = 256
	cfg.Delivery.ChannelPreference = []ChannelType{ChannelSMS, ChannelEmail}
	return cfg
}

func newVerificationFixture(t *testing.T, mutate func(*Config)) *verificationFixture {
	t.Helper()

	mr, rdb := newTestRedis(t)
	f := &verificationFixture{
		identity: newStubIdentity(),
		sms:      &recordingChannel{},
		email:    &recordingChannel{},
		sink:     &recordingSink{},
		mr:       mr,
		rdb:      rdb,
		now:      time.Unix(1_700_000_000, 0),
	}

	cfg := testVerificationConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(f.identity).
		WithChannel(ChannelSMS, f.sms).
		WithChannel(ChannelEmail, f.email).
		WithAuditSink(f.sink).
		WithClock(f.clock).
		WithCodeSource(f.nextCode).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	f.engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return f
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func (f *verificationFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *verificationFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *verificationFixture) nextCode() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return testCode, nil
	}
	code := f.codes[0]
	f.codes = f.codes[1:]
	return code, nil
}

// auditTypes closes the engine so every buffered event reaches the sink.
func (f *verificationFixture) auditTypes() []string {
	f.engine.Close()
	events := f.sink.snapshot()
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func (f *verificationFixture) verified(t *testing.T, subjectID string) (string, string) {
	t.Helper()

	ctx := context.Background()
	req, err := f.engine.RequestCode(ctx, subjectID, ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	res, err := f.engine.SubmitCode(ctx, req.SessionID, testCode)
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if res.Status != CodeVerified {
		t.Fatalf("expected verified, got %s", res.Status)
	}
	return req.SessionID, res.ResetToken
}

func TestVerificationResetScenario(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	if req.SessionID == "" || req.Channel != ChannelSMS {
		t.Fatalf("unexpected request result %+v", req)
	}
	if req.MaskedDestination != "***67" {
		t.Fatalf("expected masked phone ***67, got %q", req.MaskedDestination)
	}
	if !req.ExpiresAt.Equal(f.clock().Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", req.ExpiresAt)
	}
	msg := f.sms.last()
	if !strings.Contains(msg, testCode) || !strings.Contains(msg, "10 minutes") {
		t.Fatalf("unexpected message %q", msg)
	}

	code, err := f.engine.SubmitCode(ctx, req.SessionID, testCode)
	if err != nil || code.Status != CodeVerified || code.ResetToken == "" {
		t.Fatalf("expected verified with token, got %+v err=%v", code, err)
	}

	short, err := f.engine.SubmitNewCredential(ctx, req.SessionID, "short")
	if err != nil {
		t.Fatalf("SubmitNewCredential failed: %v", err)
	}
	if short.Status != CredentialPolicyViolation || !errors.Is(short.Err(), ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %+v", short)
	}
	found := false
	for _, v := range short.Violations {
		if v.Code == policy.CodeMinLength {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected min_length violation, got %+v", short.Violations)
	}

	accepted, err := f.engine.SubmitNewCredential(ctx, req.SessionID, "Str0ng!Passw0rd")
	if err != nil || accepted.Status != CredentialAccepted {
		t.Fatalf("expected accepted, got %+v err=%v", accepted, err)
	}

	done, err := f.engine.ConfirmAndExecute(ctx, req.SessionID)
	if err != nil || done.Status != ExecuteCompleted || done.Replayed {
		t.Fatalf("expected completed, got %+v err=%v", done, err)
	}

	hashes := f.identity.appliedHashes()
	if len(hashes) != 1 || !strings.HasPrefix(hashes[0], "$argon2id$") {
		t.Fatalf("expected one argon2id hash applied, got %v", hashes)
	}
	if strings.Contains(hashes[0], "Str0ng!Passw0rd") {
		t.Fatal("plaintext credential reached the identity provider")
	}

	view, err := f.engine.Session(ctx, req.SessionID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if view.State != StateCompleted || !view.State.Terminal() {
		t.Fatalf("expected completed session, got %s", view.State)
	}
}

func TestVerificationFourthSubmissionAborts(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		res, err := f.engine.SubmitCode(ctx, req.SessionID, "000000")
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
		if res.Status != CodeRejected || res.AttemptsRemaining != 3-i {
			t.Fatalf("attempt %d: unexpected result %+v", i, res)
		}
		if !errors.Is(res.Err(), ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, res.Err())
		}
	}

	res, err := f.engine.SubmitCode(ctx, req.SessionID, testCode)
	if err != nil {
		t.Fatalf("fourth submission failed: %v", err)
	}
	if res.Status != CodeAborted || !errors.Is(res.Err(), ErrRateLimited) {
		t.Fatalf("expected aborted regardless of correctness, got %+v", res)
	}

	if _, err := f.engine.SubmitCode(ctx, req.SessionID, testCode); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	view, err := f.engine.Session(ctx, req.SessionID)
	if err != nil || view.State != StateAborted {
		t.Fatalf("expected aborted view, got %+v err=%v", view, err)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricCodeRejected] != 3 || snap.Counters[MetricAttemptsExceeded] != 1 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
}

func TestVerificationReissueRestoresAttempts(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		res, err := f.engine.SubmitCode(ctx, req.SessionID, "000000")
		if err != nil || res.Status != CodeRejected {
			t.Fatalf("attempt %d: expected rejected, got %+v err=%v", i, res, err)
		}
	}

	f.mu.Lock()
	f.codes = []string{"654321"}
	f.mu.Unlock()
	again, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("second RequestCode failed: %v", err)
	}
	if again.SessionID != req.SessionID {
		t.Fatalf("expected the open session to be reused, got %s want %s", again.SessionID, req.SessionID)
	}

	view, err := f.engine.Session(ctx, req.SessionID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if view.State != StateCodeIssued || view.AttemptsRemaining != 3 {
		t.Fatalf("expected a fresh attempt budget, got %+v", view)
	}

	res, err := f.engine.SubmitCode(ctx, req.SessionID, "000000")
	if err != nil || res.Status != CodeRejected || res.AttemptsRemaining != 2 {
		t.Fatalf("expected one attempt consumed, got %+v err=%v", res, err)
	}
	res, err = f.engine.SubmitCode(ctx, req.SessionID, "654321")
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if res.Status != CodeVerified {
		t.Fatalf("reissued code must verify, got %+v", res)
	}
}

func TestVerificationConcurrentCorrectCodesVerifyOnce(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		verified int
		tokens   = map[string]bool{}
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			res, err := f.engine.SubmitCode(ctx, req.SessionID, testCode)
			if err != nil {
				if !errors.Is(err, ErrSessionClosed) && !errors.Is(err, ErrSessionBusy) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Status == CodeVerified {
				verified++
				tokens[res.ResetToken] = true
			}
		}()
	}
	wg.Wait()

	if verified != 1 || len(tokens) != 1 {
		t.Fatalf("expected exactly one verification, got %d (%d tokens)", verified, len(tokens))
	}
}

func TestVerificationSingleLiveCode(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()
	f.codes = []string{"111111", "222222"}

	first, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("first RequestCode failed: %v", err)
	}
	second, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("second RequestCode failed: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Fatal("a live session must be reused for the same subject")
	}
	if f.sms.count() != 2 {
		t.Fatalf("expected two deliveries, got %d", f.sms.count())
	}

	res, err := f.engine.SubmitCode(ctx, second.SessionID, "111111")
	if err != nil || res.Status != CodeRejected {
		t.Fatalf("replaced code must be rejected, got %+v err=%v", res, err)
	}
	res, err = f.engine.SubmitCode(ctx, second.SessionID, "222222")
	if err != nil || res.Status != CodeVerified {
		t.Fatalf("latest code must verify, got %+v err=%v", res, err)
	}
}

func TestVerificationCodeExpiresEvenWhenCorrect(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	f.advance(10*time.Minute + time.Millisecond)

	res, err := f.engine.SubmitCode(ctx, req.SessionID, testCode)
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if res.Status != CodeExpired || res.ResetToken != "" || !errors.Is(res.Err(), ErrCodeExpired) {
		t.Fatalf("expected expired without token, got %+v", res)
	}

	view, err := f.engine.Session(ctx, req.SessionID)
	if err != nil || view.State != StateExpired || view.ClosedReason != "code_expired" {
		t.Fatalf("expected expired view, got %+v err=%v", view, err)
	}
}

func TestVerificationUnknownSubjectLooksReal(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "nobody", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode for unknown subject must not fail: %v", err)
	}
	if req.SessionID == "" || req.Channel != ChannelSMS || req.ExpiresAt.IsZero() {
		t.Fatalf("decoy result must be fully shaped, got %+v", req)
	}
	if !strings.HasPrefix(req.MaskedDestination, "***") {
		t.Fatalf("decoy must carry a masked destination, got %q", req.MaskedDestination)
	}
	if f.sms.count() != 0 {
		t.Fatal("nothing may be delivered for an unknown subject")
	}

	res, err := f.engine.SubmitCode(ctx, req.SessionID, testCode)
	if err != nil || res.Status != CodeRejected {
		t.Fatalf("decoy session must reject every code, got %+v err=%v", res, err)
	}

	missing, err := f.engine.RequestCode(ctx, "user2", ChannelSMS)
	if err != nil || missing.SessionID == "" {
		t.Fatalf("subject without the channel must get a decoy, got %+v err=%v", missing, err)
	}

	f.engine.Close()
	for _, ev := range f.sink.snapshot() {
		if ev.EventType == auditEventCodeRequested && ev.Metadata["enumeration_safe"] == "true" {
			if ev.SubjectID != "" {
				t.Fatalf("decoy event must not claim a subject, got %q", ev.SubjectID)
			}
			return
		}
	}
	t.Fatal("expected a decoy audit event")
}

func TestVerificationRequireResetToken(t *testing.T) {
	f := newVerificationFixture(t, func(c *Config) {
		c.Session.RequireResetToken = true
	})
	ctx := context.Background()

	sessionID, token := f.verified(t, "user1")

	if _, err := f.engine.SubmitNewCredential(ctx, sessionID, "Str0ng!Passw0rd"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bare session id must be refused, got %v", err)
	}
	res, err := f.engine.SubmitNewCredential(ctx, token, "Str0ng!Passw0rd")
	if err != nil || res.Status != CredentialAccepted {
		t.Fatalf("expected accepted with token, got %+v err=%v", res, err)
	}

	done, err := f.engine.ConfirmAndExecute(ctx, token)
	if err != nil || done.Status != ExecuteCompleted {
		t.Fatalf("expected completed, got %+v err=%v", done, err)
	}
	again, err := f.engine.ConfirmAndExecute(ctx, token)
	if err != nil || again.Status != ExecuteCompleted || !again.Replayed {
		t.Fatalf("expected replayed completion, got %+v err=%v", again, err)
	}
	if f.identity.callCount() != 1 {
		t.Fatalf("identity provider must be updated once, got %d calls", f.identity.callCount())
	}
}

func TestVerificationResetTokenExpiry(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	_, token := f.verified(t, "user1")
	f.advance(3*time.Minute + time.Millisecond)

	res, err := f.engine.SubmitNewCredential(ctx, token, "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("SubmitNewCredential failed: %v", err)
	}
	if res.Status != CredentialExpired || !errors.Is(res.Err(), ErrCodeExpired) {
		t.Fatalf("expected expired reset token, got %+v", res)
	}
}

func TestVerificationTransientProviderFailureRetries(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()
	f.identity.failures = []error{NewTransientProviderError("timeout", context.DeadlineExceeded)}

	sessionID, _ := f.verified(t, "user1")
	if _, err := f.engine.SubmitNewCredential(ctx, sessionID, "Str0ng!Passw0rd"); err != nil {
		t.Fatalf("SubmitNewCredential failed: %v", err)
	}

	done, err := f.engine.ConfirmAndExecute(ctx, sessionID)
	if err != nil || done.Status != ExecuteCompleted {
		t.Fatalf("expected completion after retry, got %+v err=%v", done, err)
	}
	if f.identity.callCount() != 2 {
		t.Fatalf("expected two provider calls, got %d", f.identity.callCount())
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricProviderRetry]; got != 1 {
		t.Fatalf("expected one provider retry, got %d", got)
	}
}

func TestVerificationPermanentProviderFailureAborts(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()
	f.identity.failures = []error{NewPermanentProviderError("account_locked", nil)}

	sessionID, _ := f.verified(t, "user1")
	if _, err := f.engine.SubmitNewCredential(ctx, sessionID, "Str0ng!Passw0rd"); err != nil {
		t.Fatalf("SubmitNewCredential failed: %v", err)
	}

	done, err := f.engine.ConfirmAndExecute(ctx, sessionID)
	if !errors.Is(err, ErrProviderPermanentFailure) || done.Status != ExecuteFailed {
		t.Fatalf("expected permanent failure, got %+v err=%v", done, err)
	}
	if f.identity.callCount() != 1 {
		t.Fatalf("permanent failures must not be retried, got %d calls", f.identity.callCount())
	}

	view, err := f.engine.Session(ctx, sessionID)
	if err != nil || view.State != StateAborted {
		t.Fatalf("expected aborted session, got %+v err=%v", view, err)
	}
}

func TestVerificationDeliveryFailure(t *testing.T) {
	f := newVerificationFixture(t, func(c *Config) {
		c.RateLimit.IssuePerSubject = 10
	})
	ctx := context.Background()

	f.sms.err = errors.New("gateway down")
	if _, err := f.engine.RequestCode(ctx, "user1", ChannelSMS); !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}

	f.sms.err = fmt.Errorf("%w: unreachable", ErrInvalidDestination)
	if _, err := f.engine.RequestCode(ctx, "user1", ChannelSMS); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}

	f.sms.err = nil
	req, err := f.engine.RequestCode(ctx, "user1", ChannelEmail)
	if err != nil {
		t.Fatalf("fresh request after terminal delivery failure failed: %v", err)
	}
	if req.MaskedDestination != "u***@example.com" {
		t.Fatalf("unexpected email mask %q", req.MaskedDestination)
	}
}

func TestVerificationAbort(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	if err := f.engine.Abort(ctx, req.SessionID); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := f.engine.Abort(ctx, req.SessionID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second abort must report closed, got %v", err)
	}
	if _, err := f.engine.SubmitCode(ctx, req.SessionID, testCode); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after abort, got %v", err)
	}
}

func TestVerificationAbortBeforeVerifyWithResetToken(t *testing.T) {
	f := newVerificationFixture(t, func(c *Config) {
		c.Session.RequireResetToken = true
	})
	ctx := context.Background()

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	if err := f.engine.Abort(ctx, req.SessionID); err != nil {
		t.Fatalf("Abort before verification failed: %v", err)
	}
	view, err := f.engine.Session(ctx, req.SessionID)
	if err != nil || view.State != StateAborted {
		t.Fatalf("expected aborted view, got %+v err=%v", view, err)
	}
	if _, err := f.engine.SubmitCode(ctx, req.SessionID, testCode); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("live code must be invalidated, got %v", err)
	}
}

func TestVerificationAbortAfterVerifyNeedsResetToken(t *testing.T) {
	f := newVerificationFixture(t, func(c *Config) {
		c.Session.RequireResetToken = true
	})
	ctx := context.Background()

	sessionID, token := f.verified(t, "user1")

	if err := f.engine.Abort(ctx, sessionID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bare session id must be refused after verification, got %v", err)
	}
	view, err := f.engine.Session(ctx, sessionID)
	if err != nil || view.State != StateVerified {
		t.Fatalf("refused abort must not change state, got %+v err=%v", view, err)
	}
	if err := f.engine.Abort(ctx, token); err != nil {
		t.Fatalf("Abort with reset token failed: %v", err)
	}
}

func TestVerificationTenantIsolation(t *testing.T) {
	f := newVerificationFixture(t, nil)

	req, err := f.engine.RequestCode(WithTenantID(context.Background(), "a"), "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	_, err = f.engine.SubmitCode(WithTenantID(context.Background(), "b"), req.SessionID, testCode)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound across tenants, got %v", err)
	}
}

func TestVerificationIssueRateLimit(t *testing.T) {
	f := newVerificationFixture(t, func(c *Config) {
		c.RateLimit.IssuePerSubject = 2
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.engine.RequestCode(ctx, "user1", ChannelSMS); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}
	if _, err := f.engine.RequestCode(ctx, "user1", ChannelSMS); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if PublicMessage(ErrRateLimited) != "Too many attempts. Please wait before trying again." {
		t.Fatal("rate limit message must stay generic")
	}
}

func TestVerificationAuditTrail(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := WithClientIP(context.Background(), "198.51.100.7")

	req, err := f.engine.RequestCode(ctx, "user1", ChannelSMS)
	if err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	code, err := f.engine.SubmitCode(ctx, req.SessionID, testCode)
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if _, err := f.engine.SubmitNewCredential(ctx, code.ResetToken, "Str0ng!Passw0rd"); err != nil {
		t.Fatalf("SubmitNewCredential failed: %v", err)
	}
	if _, err := f.engine.ConfirmAndExecute(ctx, code.ResetToken); err != nil {
		t.Fatalf("ConfirmAndExecute failed: %v", err)
	}

	want := []string{
		auditEventCodeRequested,
		auditEventCodeIssued,
		auditEventCodeVerified,
		auditEventCredentialCollected,
		auditEventCredentialUpdateSucceeded,
	}
	got := f.auditTypes()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit trail mismatch\nwant %v\ngot  %v", want, got)
	}

	needles := []string{testCode, code.ResetToken, "Str0ng!Passw0rd"}
	for _, ev := range f.sink.snapshot() {
		if ev.IP != "198.51.100.7" {
			t.Fatalf("expected client IP on %s, got %q", ev.EventType, ev.IP)
		}
		dump := fmt.Sprintf("%+v", ev)
		for _, secret := range needles {
			if strings.Contains(dump, secret) {
				t.Fatalf("secret leaked into %s event", ev.EventType)
			}
		}
	}
}

func TestVerificationMetricsCountTransitions(t *testing.T) {
	f := newVerificationFixture(t, func(c *Config) {
		c.Metrics.EnableLatencyHistograms = true
	})
	ctx := context.Background()

	sessionID, _ := f.verified(t, "user1")
	if _, err := f.engine.SubmitNewCredential(ctx, sessionID, "Str0ng!Passw0rd"); err != nil {
		t.Fatalf("SubmitNewCredential failed: %v", err)
	}
	if _, err := f.engine.ConfirmAndExecute(ctx, sessionID); err != nil {
		t.Fatalf("ConfirmAndExecute failed: %v", err)
	}

	snap := f.engine.MetricsSnapshot()
	for id, want := range map[MetricID]uint64{
		MetricCodeRequested:           1,
		MetricCodeIssued:              1,
		MetricCodeVerified:            1,
		MetricCredentialCollected:     1,
		MetricCredentialUpdateSuccess: 1,
		MetricCodeRejected:            0,
	} {
		if snap.Counters[id] != want {
			t.Fatalf("metric %d: expected %d, got %d", id, want, snap.Counters[id])
		}
	}
	var observed uint64
	for _, n := range snap.Histograms[MetricVerifyLatency] {
		observed += n
	}
	if observed != 1 {
		t.Fatalf("expected one verify latency observation, got %d", observed)
	}
}

func TestBuilderRequiresCollaborators(t *testing.T) {
	_, rdb := newTestRedis(t)
	cfg := testVerificationConfig()

	if _, err := New().WithConfig(cfg).WithIdentityProvider(newStubIdentity()).
		WithChannel(ChannelSMS, &recordingChannel{}).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).
		WithChannel(ChannelSMS, &recordingChannel{}).Build(); err == nil {
		t.Fatal("expected error without identity provider")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithIdentityProvider(newStubIdentity()).
		WithChannel(ChannelApp, &recordingChannel{}).Build(); err == nil {
		t.Fatal("expected error without an adapter from the channel preference")
	}

	b := New().WithConfig(cfg).WithRedis(rdb).WithIdentityProvider(newStubIdentity()).
		WithChannel(ChannelSMS, &recordingChannel{})
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse to fail")
	}
}

func TestUnconfiguredChannelIsRefused(t *testing.T) {
	f := newVerificationFixture(t, nil)

	_, err := f.engine.RequestCode(context.Background(), "user1", ChannelApp)
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
}

func TestSecurityReportSummarizesProtections(t *testing.T) {
	f := newVerificationFixture(t, func(c *Config) {
		c.OTP.Pepper = []byte("0123456789abcdef")
	})

	report := f.engine.SecurityReport()
	if strings.Join(report.ChannelsRegistered, ",") != "email,sms" {
		t.Fatalf("unexpected channels %v", report.ChannelsRegistered)
	}
	if !report.PepperConfigured || !report.IssueThrottle || !report.IdempotencyLedgerOn {
		t.Fatalf("expected protections reported, got %+v", report)
	}
	if report.GuessProbability <= 0 || report.GuessProbability > 1e-5 {
		t.Fatalf("unexpected guess probability %g", report.GuessProbability)
	}
}
