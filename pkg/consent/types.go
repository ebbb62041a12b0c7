// Package consent implements the ConsentGate policy engine: single-use,
// context-bound authorization tokens gating high-risk agent actions, with
// every decision journaled to the WAL before it is returned.
package consent

import (
	"context"
	"time"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// Clock provides time for the engine. Inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// IssueRequest asks for a new consent token bound to a specific tool,
// session, tier, and argument-context fingerprint.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type IssueRequest struct {
	Tool          string            `json:"tool"`
	TrustTier     string            `json:"trust_tier"`
	SessionKey    string            `json:"session_key"`
	ContextHash   string            `json:"context_hash"`
	BundleHash    string            `json:"bundle_hash,omitempty"`
	TTLMs         int64             `json:"ttl_ms"`
	IssuedBy      string            `json:"issued_by"`
	PolicyVersion string            `json:"policy_version"`
	TenantID      string            `json:"tenant_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Actor         map[string]string `json:"actor,omitempty"`
}

// CheckRequest presents a token for consumption (or dry-run evaluation)
// together with the binding the caller claims.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CheckRequest struct {
	JTI           string            `json:"jti"`
	Tool          string            `json:"tool"`
	TrustTier     string            `json:"trust_tier"`
	SessionKey    string            `json:"session_key"`
	ContextHash   string            `json:"context_hash"`
	BundleHash    string            `json:"bundle_hash,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Actor         map[string]string `json:"actor,omitempty"`
}

// RevokeSelector picks tokens to revoke by exactly one key, preferring
// JTI, then SessionKey, then TenantID.
type RevokeSelector struct {
	JTI           string `json:"jti,omitempty"`
	SessionKey    string `json:"session_key,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ContainRequest quarantines a session or tenant and cascades revocation
// of its outstanding tokens in one step.
type ContainRequest struct {
	SessionKey    string `json:"session_key,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StatusQuery narrows the operational snapshot.
type StatusQuery struct {
	SessionKey string `json:"session_key,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	SinceMs    int64  `json:"since_ms,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// StatusReport is the read-only snapshot returned by Status.
type StatusReport struct {
	Tokens                 []*contracts.ConsentToken `json:"tokens"`
	RecentEvents           []contracts.WalEvent      `json:"recent_events"`
	QuarantinedSessionKeys []string                  `json:"quarantined_session_keys"`
	QuarantinedTenants     []string                  `json:"quarantined_tenants"`
}

// Decision is the outcome of an authorization check. Policy denials are
// values, not errors: callers branch on ReasonCode.
type Decision struct {
	Allowed       bool                 `json:"allowed"`
	ReasonCode    contracts.ReasonCode `json:"reason_code"`
	Message       string               `json:"message"`
	CorrelationID string               `json:"correlation_id,omitempty"`
}

func allow(code contracts.ReasonCode, correlationID string) Decision {
	return Decision{Allowed: true, ReasonCode: code, Message: code.Message(), CorrelationID: correlationID}
}

func deny(code contracts.ReasonCode, correlationID string) Decision {
	return Decision{Allowed: false, ReasonCode: code, Message: code.Message(), CorrelationID: correlationID}
}

// Engine is the four-operation consent contract plus operational surface.
// Two implementations exist: the real policy engine and the no-op engine
// used when the feature is disabled.
type Engine interface {
	// Issue mints a token after the guards pass. The token is nil when
	// the decision denies.
	Issue(ctx context.Context, req IssueRequest) (*contracts.ConsentToken, Decision, error)

	// Evaluate runs the full check sequence without consuming the token.
	Evaluate(ctx context.Context, req CheckRequest) (Decision, error)

	// Consume runs the check sequence and atomically consumes the token
	// on success.
	Consume(ctx context.Context, req CheckRequest) (Decision, error)

	// Revoke invalidates tokens by selector and returns the count revoked.
	Revoke(ctx context.Context, sel RevokeSelector) (int, error)

	// Contain quarantines a session or tenant and revokes its outstanding
	// tokens.
	Contain(ctx context.Context, req ContainRequest) (int, error)

	// Status returns a forensic snapshot; it never mutates state.
	Status(ctx context.Context, q StatusQuery) (*StatusReport, error)
}
