// Package tiers resolves trust tiers for gateway sessions and defines the
// tier-to-allowed-tools matrix. Tiers are coarse privilege labels (T0-T3);
// the consent engine treats them as opaque strings, so all interpretation
// lives here, on the caller side.
package tiers

import "strings"

// DefaultTier is assigned when no prefix mapping matches a session key.
const DefaultTier = "T0"

// Resolver maps session-key prefixes to trust tiers.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Resolver struct {
	prefixes map[string]string
	fallback string
}

// NewResolver builds a resolver from prefix->tier mappings. An empty
// fallback uses DefaultTier.
func NewResolver(prefixes map[string]string, fallback string) *Resolver {
	if fallback == "" {
		fallback = DefaultTier
	}
	return &Resolver{prefixes: prefixes, fallback: fallback}
}

// Resolve returns the tier for a session key by longest-prefix match. A
// prefix matches on exact equality or at a ":" boundary, so "agent" matches
// "agent" and "agent:7" but not "agentsmith".
func (r *Resolver) Resolve(sessionKey string) string {
	best := ""
	tier := r.fallback
	for prefix, t := range r.prefixes {
		if prefix == "" {
			continue
		}
		if sessionKey != prefix && !strings.HasPrefix(sessionKey, prefix+":") {
			continue
		}
		if len(prefix) > len(best) {
			best = prefix
			tier = t
		}
	}
	return tier
}

// Matrix maps a trust tier to the tools it may be granted consent for.
// A nil matrix permits every tool; a tier absent from a non-nil matrix
// permits none.
type Matrix map[string][]string

// Allows reports whether the tier may request consent for the tool.
func (m Matrix) Allows(tier, tool string) bool {
	if m == nil {
		return true
	}
	for _, t := range m[tier] {
		if t == tool {
			return true
		}
	}
	return false
}
