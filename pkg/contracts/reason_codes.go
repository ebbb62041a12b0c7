package contracts

// ReasonCode is a stable machine-readable identifier for an authorization
// outcome. Codes MUST NOT change between releases; callers branch on them.
type ReasonCode string

const (
	// ReasonOK marks an allow outcome.
	ReasonOK ReasonCode = "OK"

	// --- Token presence / lookup ---
	ReasonNoToken       ReasonCode = "NO_TOKEN"
	ReasonTokenNotFound ReasonCode = "TOKEN_NOT_FOUND"

	// --- Token state ---
	ReasonTokenAlreadyConsumed ReasonCode = "TOKEN_ALREADY_CONSUMED"
	ReasonTokenRevoked         ReasonCode = "TOKEN_REVOKED"
	ReasonTokenExpired         ReasonCode = "TOKEN_EXPIRED"

	// --- Binding mismatches ---
	ReasonToolMismatch          ReasonCode = "TOOL_MISMATCH"
	ReasonSessionMismatch       ReasonCode = "SESSION_MISMATCH"
	ReasonContextMismatch       ReasonCode = "CONTEXT_MISMATCH"
	ReasonBundleMismatch        ReasonCode = "BUNDLE_MISMATCH"
	ReasonPolicyVersionMismatch ReasonCode = "POLICY_VERSION_MISMATCH"

	// --- Guards ---
	ReasonTierViolation         ReasonCode = "TIER_VIOLATION"
	ReasonContainmentQuarantine ReasonCode = "CONTAINMENT_QUARANTINE"
	ReasonRateLimited           ReasonCode = "RATE_LIMITED"

	// --- Idempotency ---
	ReasonIdempotentHit ReasonCode = "IDEMPOTENT_HIT"
)

var reasonMessages = map[ReasonCode]string{
	ReasonOK:                    "authorized",
	ReasonNoToken:               "no consent token supplied",
	ReasonTokenNotFound:         "consent token not found",
	ReasonTokenAlreadyConsumed:  "consent token already consumed",
	ReasonTokenRevoked:          "consent token revoked",
	ReasonTokenExpired:          "consent token expired",
	ReasonToolMismatch:          "token was issued for a different tool",
	ReasonSessionMismatch:       "token was issued for a different session",
	ReasonContextMismatch:       "token context hash does not match request context",
	ReasonBundleMismatch:        "token bundle hash does not match request bundle",
	ReasonPolicyVersionMismatch: "token policy version does not match engine policy version",
	ReasonTierViolation:         "trust tier does not permit this tool",
	ReasonContainmentQuarantine: "session or tenant is under containment quarantine",
	ReasonRateLimited:           "session exceeded the consent operation rate limit",
	ReasonIdempotentHit:         "existing token returned for idempotent issue",
}

// Message returns the human-readable description for a reason code.
func (r ReasonCode) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return string(r)
}

// Valid reports whether r belongs to the closed enumeration.
func (r ReasonCode) Valid() bool {
	_, ok := reasonMessages[r]
	return ok
}

// AllReasonCodes returns the full normative set.
func AllReasonCodes() []ReasonCode {
	return []ReasonCode{
		ReasonOK,
		ReasonNoToken,
		ReasonTokenNotFound,
		ReasonTokenAlreadyConsumed,
		ReasonTokenRevoked,
		ReasonTokenExpired,
		ReasonToolMismatch,
		ReasonSessionMismatch,
		ReasonContextMismatch,
		ReasonBundleMismatch,
		ReasonPolicyVersionMismatch,
		ReasonTierViolation,
		ReasonContainmentQuarantine,
		ReasonRateLimited,
		ReasonIdempotentHit,
	}
}
