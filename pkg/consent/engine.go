package consent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/consentgate/pkg/contracts"
	"github.com/relaymesh/consentgate/pkg/store"
	"github.com/relaymesh/consentgate/pkg/tiers"
	"github.com/relaymesh/consentgate/pkg/wal"
)

// DefaultTTL is applied when an issue request carries a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// engine is the real policy engine. It is a stateless decision function
// over the injected store, WAL, quarantine set, and limiter; concurrency
// safety rests on the store's Transition being the sole mutator.
type engine struct {
	store         store.TokenStore
	wal           wal.WAL
	quarantine    *Quarantine
	limiter       Limiter
	matrix        tiers.Matrix
	policyVersion string
	defaultTTL    time.Duration
	clock         Clock
	metrics       *Metrics
	logger        *slog.Logger
}

// Option configures the engine.
type Option func(*engine)

// WithQuarantine injects a shared containment set.
func WithQuarantine(q *Quarantine) Option {
	return func(e *engine) { e.quarantine = q }
}

// WithLimiter enables the per-session rate-limit guard.
func WithLimiter(l Limiter) Option {
	return func(e *engine) { e.limiter = l }
}

// WithMatrix enables the tier-to-allowed-tools guard.
func WithMatrix(m tiers.Matrix) Option {
	return func(e *engine) { e.matrix = m }
}

// WithPolicyVersion pins the engine's policy version; tokens minted under
// a different version are rejected at consume time.
func WithPolicyVersion(v string) Option {
	return func(e *engine) { e.policyVersion = v }
}

// WithDefaultTTL overrides the TTL clamp for issue requests.
func WithDefaultTTL(d time.Duration) Option {
	return func(e *engine) {
		if d > 0 {
			e.defaultTTL = d
		}
	}
}

// WithClock overrides the clock for testing.
func WithClock(c Clock) Option {
	return func(e *engine) { e.clock = c }
}

// WithMetrics samples decisions into OpenTelemetry counters.
func WithMetrics(m *Metrics) Option {
	return func(e *engine) { e.metrics = m }
}

// NewEngine builds the policy engine over a token store and a WAL.
func NewEngine(st store.TokenStore, w wal.WAL, opts ...Option) Engine {
	e := &engine{
		store:      st,
		wal:        w,
		quarantine: NewQuarantine(),
		defaultTTL: DefaultTTL,
		clock:      wallClock{},
		logger:     slog.Default().With("component", "consent_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// emit journals one decision record. A primary WAL failure is a
// correctness violation for the gate and aborts the operation.
func (e *engine) emit(ctx context.Context, event *contracts.WalEvent) error {
	if err := e.wal.Append(ctx, event); err != nil {
		return fmt.Errorf("wal append failed: %w", err)
	}
	return nil
}

// guardEvent maps a guard denial to its WAL event.
func guardEvent(code contracts.ReasonCode) contracts.WalEventType {
	switch code {
	case contracts.ReasonContainmentQuarantine:
		return contracts.EventContainmentQuarantine
	case contracts.ReasonTierViolation:
		return contracts.EventTierViolation
	default:
		return contracts.EventConsentDenied
	}
}

// guard runs the pre-token checks shared by Issue, Evaluate, and Consume:
// quarantine, tier/tool matrix, and (except for dry runs) the rate limit.
// A non-nil decision is the denial to return; the WAL event has already
// been written.
func (e *engine) guard(ctx context.Context, op, jti, tool, tier, sessionKey, tenantID, correlationID string, actor map[string]string, charge bool) (*Decision, error) {
	var code contracts.ReasonCode

	switch {
	case e.quarantine.Contains(sessionKey, tenantID):
		code = contracts.ReasonContainmentQuarantine
	case !e.matrix.Allows(tier, tool):
		code = contracts.ReasonTierViolation
	case charge && e.limiter != nil:
		ok, err := e.limiter.Allow(ctx, sessionKey)
		if err != nil {
			// Fail closed: a broken limiter must not become a bypass.
			return nil, fmt.Errorf("rate limiter unavailable: %w", err)
		}
		if !ok {
			code = contracts.ReasonRateLimited
		}
	}

	if code == "" {
		return nil, nil
	}

	d := deny(code, correlationID)
	err := e.emit(ctx, &contracts.WalEvent{
		Type:          guardEvent(code),
		JTI:           jti,
		Tool:          tool,
		SessionKey:    sessionKey,
		TrustTier:     tier,
		Decision:      contracts.DecisionDeny,
		ReasonCode:    code,
		CorrelationID: correlationID,
		Actor:         actor,
		TenantID:      tenantID,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.recordDecision(ctx, op, d)
	return &d, nil
}

func (e *engine) Issue(ctx context.Context, req IssueRequest) (*contracts.ConsentToken, Decision, error) {
	if d, err := e.guard(ctx, "issue", "", req.Tool, req.TrustTier, req.SessionKey, req.TenantID, req.CorrelationID, req.Actor, true); err != nil {
		return nil, Decision{}, err
	} else if d != nil {
		return nil, *d, nil
	}

	nowMs := e.clock.Now().UnixMilli()

	// Idempotent re-issue: a correlated request whose binding matches an
	// outstanding token gets that token back instead of a duplicate.
	if req.CorrelationID != "" {
		existing, err := e.store.FindBySession(ctx, req.SessionKey, req.TenantID)
		if err != nil {
			return nil, Decision{}, fmt.Errorf("token lookup failed: %w", err)
		}
		for _, tok := range existing {
			if tok.Status != contracts.StatusIssued || tok.ExpiredAt(nowMs) {
				continue
			}
			if tok.Tool != req.Tool || tok.ContextHash != req.ContextHash {
				continue
			}
			d := allow(contracts.ReasonIdempotentHit, req.CorrelationID)
			err := e.emit(ctx, &contracts.WalEvent{
				Type:          contracts.EventIdempotentHit,
				JTI:           tok.JTI,
				Tool:          tok.Tool,
				SessionKey:    tok.SessionKey,
				TrustTier:     tok.TrustTier,
				Decision:      contracts.DecisionAllow,
				ReasonCode:    contracts.ReasonIdempotentHit,
				CorrelationID: req.CorrelationID,
				Actor:         req.Actor,
				TenantID:      tok.TenantID,
			})
			if err != nil {
				return nil, Decision{}, err
			}
			e.metrics.recordDecision(ctx, "issue", d)
			return tok, d, nil
		}
	}

	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = e.defaultTTL
	}

	token := &contracts.ConsentToken{
		JTI:           uuid.New().String(),
		Status:        contracts.StatusIssued,
		Tool:          req.Tool,
		TrustTier:     req.TrustTier,
		SessionKey:    req.SessionKey,
		ContextHash:   req.ContextHash,
		BundleHash:    req.BundleHash,
		IssuedAt:      nowMs,
		ExpiresAt:     nowMs + ttl.Milliseconds(),
		IssuedBy:      req.IssuedBy,
		PolicyVersion: req.PolicyVersion,
		TenantID:      req.TenantID,
	}
	if token.PolicyVersion == "" {
		token.PolicyVersion = e.policyVersion
	}

	if err := e.store.Put(ctx, token); err != nil {
		return nil, Decision{}, fmt.Errorf("token persist failed: %w", err)
	}

	d := allow(contracts.ReasonOK, req.CorrelationID)
	err := e.emit(ctx, &contracts.WalEvent{
		Type:          contracts.EventConsentIssued,
		JTI:           token.JTI,
		Tool:          token.Tool,
		SessionKey:    token.SessionKey,
		TrustTier:     token.TrustTier,
		Decision:      contracts.DecisionAllow,
		ReasonCode:    contracts.ReasonOK,
		CorrelationID: req.CorrelationID,
		Actor:         req.Actor,
		TenantID:      token.TenantID,
	})
	if err != nil {
		return nil, Decision{}, err
	}
	e.metrics.recordDecision(ctx, "issue", d)
	e.metrics.recordIssued(ctx)
	return token, d, nil
}

func (e *engine) Evaluate(ctx context.Context, req CheckRequest) (Decision, error) {
	return e.check(ctx, req, false)
}

func (e *engine) Consume(ctx context.Context, req CheckRequest) (Decision, error) {
	return e.check(ctx, req, true)
}

// check runs the ordered verification sequence. Evaluate and Consume are
// identical except for the final atomic transition, which makes Evaluate
// safe for preflight use.
func (e *engine) check(ctx context.Context, req CheckRequest, consume bool) (Decision, error) {
	op := "evaluate"
	if consume {
		op = "consume"
	}

	// Dry runs do not charge the rate-limit window.
	if d, err := e.guard(ctx, op, req.JTI, req.Tool, req.TrustTier, req.SessionKey, req.TenantID, req.CorrelationID, req.Actor, consume); err != nil {
		return Decision{}, err
	} else if d != nil {
		return *d, nil
	}

	denyWith := func(eventType contracts.WalEventType, code contracts.ReasonCode) (Decision, error) {
		d := deny(code, req.CorrelationID)
		err := e.emit(ctx, &contracts.WalEvent{
			Type:          eventType,
			JTI:           req.JTI,
			Tool:          req.Tool,
			SessionKey:    req.SessionKey,
			TrustTier:     req.TrustTier,
			Decision:      contracts.DecisionDeny,
			ReasonCode:    code,
			CorrelationID: req.CorrelationID,
			Actor:         req.Actor,
			TenantID:      req.TenantID,
		})
		if err != nil {
			return Decision{}, err
		}
		e.metrics.recordDecision(ctx, op, d)
		return d, nil
	}

	if req.JTI == "" {
		return denyWith(contracts.EventConsentDenied, contracts.ReasonNoToken)
	}

	token, err := e.store.Get(ctx, req.JTI)
	if err != nil {
		return Decision{}, fmt.Errorf("token lookup failed: %w", err)
	}
	if token == nil {
		return denyWith(contracts.EventConsentDenied, contracts.ReasonTokenNotFound)
	}

	switch token.Status {
	case contracts.StatusIssued:
		// proceed
	case contracts.StatusConsumed:
		return denyWith(contracts.EventConsentDenied, contracts.ReasonTokenAlreadyConsumed)
	case contracts.StatusRevoked:
		return denyWith(contracts.EventConsentDenied, contracts.ReasonTokenRevoked)
	case contracts.StatusExpired:
		return denyWith(contracts.EventConsentDenied, contracts.ReasonTokenExpired)
	default:
		return denyWith(contracts.EventConsentDenied, contracts.ReasonTokenNotFound)
	}

	if token.ExpiredAt(e.clock.Now().UnixMilli()) {
		// Lazy expiry: flip the token as we discover it.
		if _, err := e.store.Transition(ctx, token.JTI, contracts.StatusExpired); err != nil {
			return Decision{}, fmt.Errorf("token expiry transition failed: %w", err)
		}
		return denyWith(contracts.EventConsentExpired, contracts.ReasonTokenExpired)
	}

	if token.Tool != req.Tool {
		return denyWith(contracts.EventConsentDenied, contracts.ReasonToolMismatch)
	}
	if token.SessionKey != req.SessionKey {
		return denyWith(contracts.EventConsentDenied, contracts.ReasonSessionMismatch)
	}
	if token.ContextHash != req.ContextHash {
		return denyWith(contracts.EventConsentDenied, contracts.ReasonContextMismatch)
	}
	if token.TrustTier != req.TrustTier {
		return denyWith(contracts.EventTierViolation, contracts.ReasonTierViolation)
	}
	if token.BundleHash != "" && token.BundleHash != req.BundleHash {
		return denyWith(contracts.EventBundleMismatch, contracts.ReasonBundleMismatch)
	}
	if e.policyVersion != "" && token.PolicyVersion != e.policyVersion {
		return denyWith(contracts.EventConsentDenied, contracts.ReasonPolicyVersionMismatch)
	}

	if consume {
		ok, err := e.store.Transition(ctx, token.JTI, contracts.StatusConsumed)
		if err != nil {
			return Decision{}, fmt.Errorf("token consume transition failed: %w", err)
		}
		if !ok {
			// Lost the race to a concurrent consumer.
			return denyWith(contracts.EventConsentDenied, contracts.ReasonTokenAlreadyConsumed)
		}
	}

	eventType := contracts.EventConsentEvaluated
	if consume {
		eventType = contracts.EventConsentConsumed
	}
	d := allow(contracts.ReasonOK, req.CorrelationID)
	err = e.emit(ctx, &contracts.WalEvent{
		Type:          eventType,
		JTI:           token.JTI,
		Tool:          token.Tool,
		SessionKey:    token.SessionKey,
		TrustTier:     token.TrustTier,
		Decision:      contracts.DecisionAllow,
		ReasonCode:    contracts.ReasonOK,
		CorrelationID: req.CorrelationID,
		Actor:         req.Actor,
		TenantID:      token.TenantID,
	})
	if err != nil {
		return Decision{}, err
	}
	e.metrics.recordDecision(ctx, op, d)
	if consume {
		e.metrics.recordConsumed(ctx)
	}
	return d, nil
}

func (e *engine) Revoke(ctx context.Context, sel RevokeSelector) (int, error) {
	switch {
	case sel.JTI != "":
		return e.revokeOne(ctx, sel)
	case sel.SessionKey != "":
		targets, err := e.store.FindBySession(ctx, sel.SessionKey, sel.TenantID)
		if err != nil {
			return 0, fmt.Errorf("token lookup failed: %w", err)
		}
		return e.revokeMany(ctx, targets, sel.CorrelationID, sel.SessionKey, sel.TenantID)
	case sel.TenantID != "":
		targets, err := e.store.List(ctx, sel.TenantID)
		if err != nil {
			return 0, fmt.Errorf("token lookup failed: %w", err)
		}
		return e.revokeMany(ctx, targets, sel.CorrelationID, "", sel.TenantID)
	default:
		return 0, fmt.Errorf("revoke selector must set jti, session_key, or tenant_id")
	}
}

func (e *engine) revokeOne(ctx context.Context, sel RevokeSelector) (int, error) {
	tok, err := e.store.Get(ctx, sel.JTI)
	if err != nil {
		return 0, fmt.Errorf("token lookup failed: %w", err)
	}

	ok := false
	if tok != nil && tok.Status == contracts.StatusIssued {
		ok, err = e.store.Transition(ctx, sel.JTI, contracts.StatusRevoked)
		if err != nil {
			return 0, fmt.Errorf("token revoke transition failed: %w", err)
		}
		if !ok {
			// Lost a race; re-read so the journal carries the real state.
			tok, err = e.store.Get(ctx, sel.JTI)
			if err != nil {
				return 0, fmt.Errorf("token lookup failed: %w", err)
			}
		}
	}

	decision := contracts.DecisionAllow
	code := contracts.ReasonOK
	if !ok {
		decision = contracts.DecisionDeny
		code = revokeFailureReason(tok)
	}

	event := &contracts.WalEvent{
		Type:          contracts.EventConsentRevoked,
		JTI:           sel.JTI,
		Decision:      decision,
		ReasonCode:    code,
		CorrelationID: sel.CorrelationID,
	}
	if tok != nil {
		event.Tool = tok.Tool
		event.SessionKey = tok.SessionKey
		event.TrustTier = tok.TrustTier
		event.TenantID = tok.TenantID
	}
	if err := e.emit(ctx, event); err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	e.metrics.recordRevoked(ctx, 1)
	return 1, nil
}

// revokeFailureReason names why a single-token revoke changed nothing.
func revokeFailureReason(tok *contracts.ConsentToken) contracts.ReasonCode {
	if tok == nil {
		return contracts.ReasonTokenNotFound
	}
	switch tok.Status {
	case contracts.StatusConsumed:
		return contracts.ReasonTokenAlreadyConsumed
	case contracts.StatusRevoked:
		return contracts.ReasonTokenRevoked
	case contracts.StatusExpired:
		return contracts.ReasonTokenExpired
	default:
		return contracts.ReasonTokenNotFound
	}
}

// revokeMany flips every issued token in targets and journals one event
// per token plus a cascade summary.
func (e *engine) revokeMany(ctx context.Context, targets []*contracts.ConsentToken, correlationID, sessionKey, tenantID string) (int, error) {
	count := 0
	for _, tok := range targets {
		if tok.Status != contracts.StatusIssued {
			continue
		}
		ok, err := e.store.Transition(ctx, tok.JTI, contracts.StatusRevoked)
		if err != nil {
			return count, fmt.Errorf("token revoke transition failed: %w", err)
		}
		if !ok {
			continue
		}
		err = e.emit(ctx, &contracts.WalEvent{
			Type:          contracts.EventConsentRevoked,
			JTI:           tok.JTI,
			Tool:          tok.Tool,
			SessionKey:    tok.SessionKey,
			TrustTier:     tok.TrustTier,
			Decision:      contracts.DecisionAllow,
			ReasonCode:    contracts.ReasonOK,
			CorrelationID: correlationID,
			TenantID:      tok.TenantID,
		})
		if err != nil {
			return count, err
		}
		count++
	}

	err := e.emit(ctx, &contracts.WalEvent{
		Type:          contracts.EventCascadeRevoke,
		SessionKey:    sessionKey,
		Decision:      contracts.DecisionAllow,
		ReasonCode:    contracts.ReasonOK,
		CorrelationID: correlationID,
		Actor:         map[string]string{"revoked_count": fmt.Sprintf("%d", count)},
		TenantID:      tenantID,
	})
	if err != nil {
		return count, err
	}
	e.metrics.recordRevoked(ctx, count)
	return count, nil
}

func (e *engine) Contain(ctx context.Context, req ContainRequest) (int, error) {
	if req.SessionKey == "" && req.TenantID == "" {
		return 0, fmt.Errorf("contain request must set session_key or tenant_id")
	}

	if req.SessionKey != "" {
		e.quarantine.AddSession(req.SessionKey)
	}
	if req.TenantID != "" {
		e.quarantine.AddTenant(req.TenantID)
	}

	err := e.emit(ctx, &contracts.WalEvent{
		Type:          contracts.EventContainmentQuarantine,
		SessionKey:    req.SessionKey,
		Decision:      contracts.DecisionAllow,
		ReasonCode:    contracts.ReasonContainmentQuarantine,
		CorrelationID: req.CorrelationID,
		TenantID:      req.TenantID,
	})
	if err != nil {
		return 0, err
	}

	return e.Revoke(ctx, RevokeSelector{
		SessionKey:    req.SessionKey,
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
	})
}

func (e *engine) Status(ctx context.Context, q StatusQuery) (*StatusReport, error) {
	var (
		tokens []*contracts.ConsentToken
		err    error
	)
	if q.SessionKey != "" {
		tokens, err = e.store.FindBySession(ctx, q.SessionKey, q.TenantID)
	} else {
		tokens, err = e.store.List(ctx, q.TenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("token listing failed: %w", err)
	}

	report := &StatusReport{
		Tokens:                 tokens,
		QuarantinedSessionKeys: e.quarantine.Sessions(),
		QuarantinedTenants:     e.quarantine.Tenants(),
	}

	if reader, ok := e.wal.(wal.Reader); ok {
		events, err := reader.Read(ctx, wal.Filter{SinceMs: q.SinceMs, Limit: q.Limit})
		if err != nil {
			return nil, fmt.Errorf("wal read failed: %w", err)
		}
		report.RecentEvents = events
	}
	return report, nil
}
