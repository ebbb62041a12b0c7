// Package envelope seals consent tokens into signed JWTs for handoff
// across process boundaries. The envelope carries the token binding as
// claims; the gate's store remains the source of truth for status.
package envelope

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// ConsentClaims are the JWT claims carried by a sealed consent token.
type ConsentClaims struct {
	jwt.RegisteredClaims
	Tool          string `json:"tool"`
	TrustTier     string `json:"trust_tier"`
	SessionKey    string `json:"session_key"`
	ContextHash   string `json:"context_hash"`
	BundleHash    string `json:"bundle_hash,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
}

// Seal signs the token binding into a compact JWT with HS256.
func Seal(token *contracts.ConsentToken, key []byte) (string, error) {
	if token == nil {
		return "", fmt.Errorf("nil token")
	}
	if len(key) == 0 {
		return "", fmt.Errorf("empty signing key")
	}

	claims := ConsentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.JTI,
			Issuer:    token.IssuedBy,
			IssuedAt:  jwt.NewNumericDate(time.UnixMilli(token.IssuedAt)),
			ExpiresAt: jwt.NewNumericDate(time.UnixMilli(token.ExpiresAt)),
		},
		Tool:          token.Tool,
		TrustTier:     token.TrustTier,
		SessionKey:    token.SessionKey,
		ContextHash:   token.ContextHash,
		BundleHash:    token.BundleHash,
		PolicyVersion: token.PolicyVersion,
		TenantID:      token.TenantID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("envelope signing failed: %w", err)
	}
	return signed, nil
}

// Open verifies the signature and expiry and returns the claims. The
// caller still presents the JTI to the gate; a valid envelope is not an
// authorization by itself.
func Open(sealed string, key []byte) (*ConsentClaims, error) {
	claims := &ConsentClaims{}
	token, err := jwt.ParseWithClaims(sealed, claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("envelope validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid envelope")
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("envelope missing jti")
	}
	return claims, nil
}
