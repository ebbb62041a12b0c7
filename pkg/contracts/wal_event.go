package contracts

// WalEventType categorizes a WAL record.
type WalEventType string

// WAL event kinds. One record is written per engine decision; the type
// encodes which branch of the pipeline produced it.
const (
	EventConsentIssued         WalEventType = "CONSENT_ISSUED"
	EventConsentEvaluated      WalEventType = "CONSENT_EVALUATED"
	EventConsentConsumed       WalEventType = "CONSENT_CONSUMED"
	EventConsentDenied         WalEventType = "CONSENT_DENIED"
	EventConsentRevoked        WalEventType = "CONSENT_REVOKED"
	EventConsentExpired        WalEventType = "CONSENT_EXPIRED"
	EventTierViolation         WalEventType = "TIER_VIOLATION"
	EventContainmentQuarantine WalEventType = "CONTAINMENT_QUARANTINE"
	EventCascadeRevoke         WalEventType = "CASCADE_REVOKE"
	EventBundleMismatch        WalEventType = "BUNDLE_MISMATCH"
	EventIdempotentHit         WalEventType = "IDEMPOTENT_HIT"
)

// Decision is the allow/deny outcome recorded on a WAL event.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// WalEvent is one immutable decision record. EventID and TS are assigned by
// the WAL implementation on append; callers must leave them zero.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type WalEvent struct {
	EventID       string            `json:"event_id"`
	TS            int64             `json:"ts"` // epoch milliseconds, WAL-assigned
	Type          WalEventType      `json:"type"`
	JTI           string            `json:"jti,omitempty"` // empty for no-token denials
	Tool          string            `json:"tool,omitempty"`
	SessionKey    string            `json:"session_key,omitempty"`
	TrustTier     string            `json:"trust_tier,omitempty"`
	Decision      Decision          `json:"decision"`
	ReasonCode    ReasonCode        `json:"reason_code"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Actor         map[string]string `json:"actor,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
}
