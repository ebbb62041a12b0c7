package consent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/consentgate/pkg/contracts"
	"github.com/relaymesh/consentgate/pkg/store"
	"github.com/relaymesh/consentgate/pkg/tiers"
	"github.com/relaymesh/consentgate/pkg/wal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testHarness struct {
	engine Engine
	store  *store.MemoryStore
	wal    *wal.MemoryWAL
	clock  *fakeClock
	quar   *Quarantine
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()
	h := &testHarness{
		store: store.NewMemoryStore(),
		wal:   wal.NewMemoryWAL(),
		clock: newFakeClock(),
		quar:  NewQuarantine(),
	}
	all := append([]Option{WithClock(h.clock), WithQuarantine(h.quar)}, opts...)
	h.engine = NewEngine(h.store, h.wal, all...)
	return h
}

func issueReq() IssueRequest {
	return IssueRequest{
		Tool:        "payments.transfer",
		TrustTier:   "T2",
		SessionKey:  "sess-1",
		ContextHash: "ctx-abc",
		IssuedBy:    "approver@example.com",
		TenantID:    "acme",
	}
}

func checkFor(tok *contracts.ConsentToken) CheckRequest {
	return CheckRequest{
		JTI:         tok.JTI,
		Tool:        tok.Tool,
		TrustTier:   tok.TrustTier,
		SessionKey:  tok.SessionKey,
		ContextHash: tok.ContextHash,
		BundleHash:  tok.BundleHash,
		TenantID:    tok.TenantID,
	}
}

func TestIssueMintsBoundToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, d, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.True(t, d.Allowed)
	assert.Equal(t, contracts.ReasonOK, d.ReasonCode)

	assert.NotEmpty(t, tok.JTI)
	assert.Equal(t, contracts.StatusIssued, tok.Status)
	assert.Equal(t, "payments.transfer", tok.Tool)
	assert.Equal(t, h.clock.Now().UnixMilli(), tok.IssuedAt)
	assert.Equal(t, h.clock.Now().Add(DefaultTTL).UnixMilli(), tok.ExpiresAt)

	events := h.wal.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventConsentIssued, events[0].Type)
	assert.Equal(t, tok.JTI, events[0].JTI)
	assert.Equal(t, contracts.DecisionAllow, events[0].Decision)
}

func TestIssueHonorsExplicitTTL(t *testing.T) {
	h := newHarness(t)
	req := issueReq()
	req.TTLMs = 1500

	tok, _, err := h.engine.Issue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tok.IssuedAt+1500, tok.ExpiresAt)
}

func TestIssueIdempotentOnCorrelation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := issueReq()
	req.CorrelationID = "corr-42"

	first, _, err := h.engine.Issue(ctx, req)
	require.NoError(t, err)

	second, d, err := h.engine.Issue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.JTI, second.JTI)
	assert.True(t, d.Allowed)
	assert.Equal(t, contracts.ReasonIdempotentHit, d.ReasonCode)

	events := h.wal.Events()
	require.Len(t, events, 2)
	assert.Equal(t, contracts.EventIdempotentHit, events[1].Type)
}

func TestIssueWithoutCorrelationMintsFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	second, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.NotEqual(t, first.JTI, second.JTI)
}

func TestConsumeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)

	d, err := h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonTokenAlreadyConsumed, d.ReasonCode)
}

func TestConcurrentConsumeAllowsExactlyOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)

	const workers = 32
	var wg sync.WaitGroup
	allowed := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.engine.Consume(ctx, checkFor(tok))
			if assert.NoError(t, err) && d.Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for range allowed {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestEvaluateHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d, err := h.engine.Evaluate(ctx, checkFor(tok))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	stored, err := h.store.Get(ctx, tok.JTI)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusIssued, stored.Status)

	// The real consumption still works afterwards.
	d, err := h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckSequenceOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*CheckRequest)
		want   contracts.ReasonCode
	}{
		{"missing jti", func(r *CheckRequest) { r.JTI = "" }, contracts.ReasonNoToken},
		{"unknown jti", func(r *CheckRequest) { r.JTI = "nope" }, contracts.ReasonTokenNotFound},
		{"wrong tool", func(r *CheckRequest) { r.Tool = "files.delete" }, contracts.ReasonToolMismatch},
		{"wrong session", func(r *CheckRequest) { r.SessionKey = "sess-2" }, contracts.ReasonSessionMismatch},
		{"wrong context", func(r *CheckRequest) { r.ContextHash = "ctx-zzz" }, contracts.ReasonContextMismatch},
		{"wrong tier", func(r *CheckRequest) { r.TrustTier = "T0" }, contracts.ReasonTierViolation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := checkFor(tok)
			tc.mutate(&req)
			d, err := h.engine.Evaluate(ctx, req)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, tc.want, d.ReasonCode)
		})
	}

	// Tool mismatch wins over session mismatch when both are wrong.
	req := checkFor(tok)
	req.Tool = "files.delete"
	req.SessionKey = "sess-2"
	d, err := h.engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonToolMismatch, d.ReasonCode)
}

func TestBundleMismatchOnlyWhenTokenPinned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unpinned, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	req := checkFor(unpinned)
	req.BundleHash = "bundle-x"
	d, err := h.engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	pinnedReq := issueReq()
	pinnedReq.BundleHash = "bundle-a"
	pinned, _, err := h.engine.Issue(ctx, pinnedReq)
	require.NoError(t, err)
	req = checkFor(pinned)
	req.BundleHash = "bundle-b"
	d, err = h.engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonBundleMismatch, d.ReasonCode)
}

func TestPolicyVersionPinning(t *testing.T) {
	h := newHarness(t, WithPolicyVersion("2.0.0"))
	ctx := context.Background()

	req := issueReq()
	req.PolicyVersion = "1.0.0"
	tok, _, err := h.engine.Issue(ctx, req)
	require.NoError(t, err)

	d, err := h.engine.Evaluate(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonPolicyVersionMismatch, d.ReasonCode)
}

func TestExpiryIsLazyAndJournaled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := issueReq()
	req.TTLMs = 1000
	tok, _, err := h.engine.Issue(ctx, req)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)

	d, err := h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonTokenExpired, d.ReasonCode)

	stored, err := h.store.Get(ctx, tok.JTI)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, stored.Status)

	events := h.wal.Events()
	last := events[len(events)-1]
	assert.Equal(t, contracts.EventConsentExpired, last.Type)
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := issueReq()
	req.TTLMs = 1000
	tok, _, err := h.engine.Issue(ctx, req)
	require.NoError(t, err)

	// Exactly at expires_at the token is still live.
	h.clock.Advance(1 * time.Second)
	d, err := h.engine.Evaluate(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	h.clock.Advance(1 * time.Millisecond)
	d, err = h.engine.Evaluate(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonTokenExpired, d.ReasonCode)
}

func TestRevokeByJTI(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)

	n, err := h.engine.Revoke(ctx, RevokeSelector{JTI: tok.JTI})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonTokenRevoked, d.ReasonCode)
}

func TestRevokeNothingStillJournaled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	n, err := h.engine.Revoke(ctx, RevokeSelector{JTI: "missing"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	events := h.wal.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventConsentRevoked, events[0].Type)
	assert.Equal(t, contracts.DecisionDeny, events[0].Decision)
	assert.Equal(t, contracts.ReasonTokenNotFound, events[0].ReasonCode)
}

func TestRevokeTerminalTokenJournalsRealState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(tok *contracts.ConsentToken)
		want  contracts.ReasonCode
	}{
		{
			"consumed token",
			func(tok *contracts.ConsentToken) {
				d, err := h.engine.Consume(ctx, checkFor(tok))
				require.NoError(t, err)
				require.True(t, d.Allowed)
			},
			contracts.ReasonTokenAlreadyConsumed,
		},
		{
			"already revoked token",
			func(tok *contracts.ConsentToken) {
				n, err := h.engine.Revoke(ctx, RevokeSelector{JTI: tok.JTI})
				require.NoError(t, err)
				require.Equal(t, 1, n)
			},
			contracts.ReasonTokenRevoked,
		},
		{
			"expired token",
			func(tok *contracts.ConsentToken) {
				_, err := h.store.Transition(ctx, tok.JTI, contracts.StatusExpired)
				require.NoError(t, err)
			},
			contracts.ReasonTokenExpired,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tok, _, err := h.engine.Issue(ctx, issueReq())
			require.NoError(t, err)
			tc.setup(tok)

			n, err := h.engine.Revoke(ctx, RevokeSelector{JTI: tok.JTI})
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			events := h.wal.Events()
			last := events[len(events)-1]
			assert.Equal(t, contracts.EventConsentRevoked, last.Type)
			assert.Equal(t, contracts.DecisionDeny, last.Decision)
			assert.Equal(t, tc.want, last.ReasonCode)
			assert.Equal(t, tok.SessionKey, last.SessionKey)
		})
	}
}

func TestRevokeBySessionCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var minted []*contracts.ConsentToken
	for i := 0; i < 3; i++ {
		req := issueReq()
		req.ContextHash = fmt.Sprintf("ctx-%d", i)
		tok, _, err := h.engine.Issue(ctx, req)
		require.NoError(t, err)
		minted = append(minted, tok)
	}
	other := issueReq()
	other.SessionKey = "sess-other"
	otherTok, _, err := h.engine.Issue(ctx, other)
	require.NoError(t, err)

	n, err := h.engine.Revoke(ctx, RevokeSelector{SessionKey: "sess-1", CorrelationID: "incident-7"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, tok := range minted {
		stored, err := h.store.Get(ctx, tok.JTI)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusRevoked, stored.Status)
	}
	stored, err := h.store.Get(ctx, otherTok.JTI)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusIssued, stored.Status)

	events := h.wal.Events()
	last := events[len(events)-1]
	assert.Equal(t, contracts.EventCascadeRevoke, last.Type)
	assert.Equal(t, "incident-7", last.CorrelationID)
	assert.Equal(t, "3", last.Actor["revoked_count"])
}

func TestRevokeByTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := issueReq()
	b := issueReq()
	b.SessionKey = "sess-2"
	c := issueReq()
	c.TenantID = "globex"
	c.SessionKey = "sess-3"
	for _, req := range []IssueRequest{a, b, c} {
		_, _, err := h.engine.Issue(ctx, req)
		require.NoError(t, err)
	}

	n, err := h.engine.Revoke(ctx, RevokeSelector{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := h.store.List(ctx, "globex")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, contracts.StatusIssued, remaining[0].Status)
}

func TestContainQuarantinesAndRevokes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)

	n, err := h.engine.Contain(ctx, ContainRequest{SessionKey: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.Get(ctx, tok.JTI)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, stored.Status)

	// Quarantine wins even against a would-be valid token.
	_, d, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonContainmentQuarantine, d.ReasonCode)

	dc, err := h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonContainmentQuarantine, dc.ReasonCode)
}

func TestTenantQuarantineBlocksAllSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Contain(ctx, ContainRequest{TenantID: "acme"})
	require.NoError(t, err)

	req := issueReq()
	req.SessionKey = "sess-anything"
	_, d, err := h.engine.Issue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonContainmentQuarantine, d.ReasonCode)
}

func TestTierMatrixGatesIssuance(t *testing.T) {
	matrix := tiers.Matrix{
		"T2": {"payments.transfer"},
		"T0": {},
	}
	h := newHarness(t, WithMatrix(matrix))
	ctx := context.Background()

	_, d, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	low := issueReq()
	low.TrustTier = "T0"
	_, d, err = h.engine.Issue(ctx, low)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonTierViolation, d.ReasonCode)

	events := h.wal.Events()
	last := events[len(events)-1]
	assert.Equal(t, contracts.EventTierViolation, last.Type)
}

func TestRateLimitChargesIssueAndConsumeOnly(t *testing.T) {
	clock := newFakeClock()
	limiter := NewWindowLimiter(2, time.Minute).WithClock(clock)
	h := newHarness(t, WithClock(clock), WithLimiter(limiter))
	ctx := context.Background()

	tok, d, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Evaluate is free: it never touches the window.
	for i := 0; i < 10; i++ {
		d, err := h.engine.Evaluate(ctx, checkFor(tok))
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err = h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Third charged operation in the window is rejected.
	_, d, err = h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ReasonRateLimited, d.ReasonCode)

	// The window slides open again.
	clock.Advance(2 * time.Minute)
	_, d, err = h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(ctx context.Context, sessionKey string) (bool, error) {
	return false, fmt.Errorf("backend down")
}

func TestBrokenLimiterFailsClosed(t *testing.T) {
	h := newHarness(t, WithLimiter(brokenLimiter{}))

	_, _, err := h.engine.Issue(context.Background(), issueReq())
	require.Error(t, err)
	assert.Empty(t, h.wal.Events())
}

type failingWAL struct{}

func (failingWAL) Append(ctx context.Context, event *contracts.WalEvent) error {
	return fmt.Errorf("disk full")
}

func TestWALFailureAbortsOperation(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, failingWAL{}, WithClock(newFakeClock()))

	_, _, err := e.Issue(context.Background(), issueReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wal append failed")
}

func TestEveryOperationWritesExactlyOneEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	_, err = h.engine.Evaluate(ctx, checkFor(tok))
	require.NoError(t, err)
	_, err = h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	_, err = h.engine.Consume(ctx, checkFor(tok))
	require.NoError(t, err)
	_, err = h.engine.Evaluate(ctx, CheckRequest{})
	require.NoError(t, err)

	events := h.wal.Events()
	require.Len(t, events, 5)
	types := make([]contracts.WalEventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
		assert.NotEmpty(t, ev.EventID)
		assert.NotZero(t, ev.TS)
	}
	assert.Equal(t, []contracts.WalEventType{
		contracts.EventConsentIssued,
		contracts.EventConsentEvaluated,
		contracts.EventConsentConsumed,
		contracts.EventConsentDenied,
		contracts.EventConsentDenied,
	}, types)
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _, err := h.engine.Issue(ctx, issueReq())
	require.NoError(t, err)
	h.quar.AddSession("sess-bad")

	report, err := h.engine.Status(ctx, StatusQuery{SessionKey: "sess-1"})
	require.NoError(t, err)
	require.Len(t, report.Tokens, 1)
	assert.Equal(t, tok.JTI, report.Tokens[0].JTI)
	assert.Equal(t, []string{"sess-bad"}, report.QuarantinedSessionKeys)
	require.Len(t, report.RecentEvents, 1)
	assert.Equal(t, contracts.EventConsentIssued, report.RecentEvents[0].Type)
}

func TestNoopEngineAllowsEverything(t *testing.T) {
	var e Engine = NoopEngine{}
	ctx := context.Background()

	tok, d, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.True(t, d.Allowed)

	d, err = e.Consume(ctx, CheckRequest{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	n, err := e.Revoke(ctx, RevokeSelector{JTI: "anything"})
	require.NoError(t, err)
	assert.Zero(t, n)

	report, err := e.Status(ctx, StatusQuery{})
	require.NoError(t, err)
	assert.Empty(t, report.Tokens)
}
