// Package contracts defines the shared data contracts of the ConsentGate
// core: the consent token and its state machine, the WAL event envelope,
// and the closed reason-code enumeration.
package contracts

// TokenStatus is the lifecycle state of a consent token.
type TokenStatus string

const (
	StatusIssued   TokenStatus = "issued"
	StatusConsumed TokenStatus = "consumed"
	StatusRevoked  TokenStatus = "revoked"
	StatusExpired  TokenStatus = "expired"
)

// tokenTransitions is the fixed transition table. Only "issued" has outgoing
// edges; consumed/revoked/expired are terminal.
var tokenTransitions = map[TokenStatus]map[TokenStatus]bool{
	StatusIssued: {
		StatusConsumed: true,
		StatusRevoked:  true,
		StatusExpired:  true,
	},
}

// CanTransition reports whether moving from s to "to" is a legal lifecycle
// transition.
func (s TokenStatus) CanTransition(to TokenStatus) bool {
	return tokenTransitions[s][to]
}

// Terminal reports whether s has no outgoing transitions.
func (s TokenStatus) Terminal() bool {
	return len(tokenTransitions[s]) == 0
}

// ConsentToken is a single-use authorization credential bound to a specific
// tool, session, trust tier, and argument-context fingerprint.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ConsentToken struct {
	JTI           string      `json:"jti"`
	Status        TokenStatus `json:"status"`
	Tool          string      `json:"tool"`
	TrustTier     string      `json:"trust_tier"`
	SessionKey    string      `json:"session_key"`
	ContextHash   string      `json:"context_hash"`
	BundleHash    string      `json:"bundle_hash,omitempty"`
	IssuedAt      int64       `json:"issued_at"`  // epoch milliseconds
	ExpiresAt     int64       `json:"expires_at"` // epoch milliseconds
	IssuedBy      string      `json:"issued_by"`
	PolicyVersion string      `json:"policy_version"`
	TenantID      string      `json:"tenant_id,omitempty"`
}

// ExpiredAt reports whether the token's TTL has elapsed at nowMs.
func (t *ConsentToken) ExpiredAt(nowMs int64) bool {
	return t.ExpiresAt > 0 && t.ExpiresAt < nowMs
}

// Clone returns a copy of the token. Stores hand out clones so callers can
// never mutate stored state directly.
func (t *ConsentToken) Clone() *ConsentToken {
	c := *t
	return &c
}
