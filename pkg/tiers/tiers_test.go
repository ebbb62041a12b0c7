package tiers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolver_LongestPrefixWins(t *testing.T) {
	r := NewResolver(map[string]string{
		"agent":          "T1",
		"agent:trusted":  "T2",
		"operator":       "T3",
		"operator:admin": "T3",
	}, "")

	tests := []struct {
		sessionKey string
		want       string
	}{
		{"agent", "T1"},
		{"agent:7", "T1"},
		{"agent:trusted", "T2"},
		{"agent:trusted:42", "T2"},
		{"agentsmith", "T0"}, // no ":" boundary, no match
		{"operator:admin:x", "T3"},
		{"unknown", "T0"},
		{"", "T0"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Resolve(tt.sessionKey), "session %q", tt.sessionKey)
	}
}

func TestResolver_ConfiguredFallback(t *testing.T) {
	r := NewResolver(nil, "T1")
	assert.Equal(t, "T1", r.Resolve("anything"))
}

func TestMatrix_Allows(t *testing.T) {
	var nilMatrix Matrix
	assert.True(t, nilMatrix.Allows("T0", "exec"), "nil matrix permits everything")

	m := Matrix{
		"T0": {"read_file"},
		"T2": {"read_file", "exec", "write_file"},
	}
	assert.True(t, m.Allows("T0", "read_file"))
	assert.False(t, m.Allows("T0", "exec"))
	assert.True(t, m.Allows("T2", "exec"))
	assert.False(t, m.Allows("T1", "read_file"), "tier absent from matrix permits nothing")
}
