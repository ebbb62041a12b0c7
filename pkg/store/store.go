// Package store provides the consent-token store: the single authority for
// token persistence and lifecycle transitions. Four implementations share
// one contract: in-memory, durable JSON file, SQLite, and Postgres.
package store

import (
	"context"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// TokenStore persists consent tokens. Transition is the only mutator after
// Put: it enforces the fixed lifecycle table and returns false without side
// effects when the token is absent or the move is illegal. That check is the
// single point enforcing the single-use invariant.
type TokenStore interface {
	// Put stores a newly issued token.
	Put(ctx context.Context, token *contracts.ConsentToken) error

	// Get returns the token for jti, or (nil, nil) when absent.
	Get(ctx context.Context, jti string) (*contracts.ConsentToken, error)

	// Transition atomically moves the token to the given status. Returns
	// false when the token is absent or the transition is illegal.
	Transition(ctx context.Context, jti string, to contracts.TokenStatus) (bool, error)

	// FindBySession returns all tokens for a session key, optionally scoped
	// to a tenant (empty tenantID matches all).
	FindBySession(ctx context.Context, sessionKey, tenantID string) ([]*contracts.ConsentToken, error)

	// List returns all tokens, optionally scoped to a tenant.
	List(ctx context.Context, tenantID string) ([]*contracts.ConsentToken, error)

	// PruneExpired flips issued tokens whose TTL elapsed before nowMs to
	// expired. Best-effort housekeeping; returns the number flipped.
	PruneExpired(ctx context.Context, nowMs int64) (int, error)
}

func matchTenant(tok *contracts.ConsentToken, tenantID string) bool {
	return tenantID == "" || tok.TenantID == tenantID
}
