// Package wal implements the append-only decision journal. Every engine
// decision is recorded here before the result is returned to the caller.
// Implementations assign event ids and timestamps themselves so callers can
// never forge either.
package wal

import (
	"context"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// WAL is the append-only decision journal.
type WAL interface {
	// Append records one decision. The implementation overwrites EventID
	// and TS; callers must leave them zero.
	Append(ctx context.Context, event *contracts.WalEvent) error
}

// Filter narrows a read-back of the journal.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Filter struct {
	SinceMs       int64  // inclusive lower bound on ts, 0 = unbounded
	UntilMs       int64  // inclusive upper bound on ts, 0 = unbounded
	CorrelationID string // exact match, "" = any
	Limit         int    // max events returned, 0 = implementation default
}

// Reader is implemented by WALs that support read-back for forensics and
// the status operation.
type Reader interface {
	Read(ctx context.Context, f Filter) ([]contracts.WalEvent, error)
}

func (f Filter) matches(e *contracts.WalEvent) bool {
	if f.SinceMs > 0 && e.TS < f.SinceMs {
		return false
	}
	if f.UntilMs > 0 && e.TS > f.UntilMs {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

const defaultReadLimit = 1000
