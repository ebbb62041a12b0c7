package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// RedactedJTI replaces the token id in exported audit copies.
const RedactedJTI = "[REDACTED]"

// AuditForwarder decorates a WAL: every append goes to the inner journal
// first, then a redacted copy is written to an audit destination. The
// secondary write is strictly best-effort; its failures are swallowed so
// the audit export can never fail an authorization decision.
type AuditForwarder struct {
	inner  WAL
	mu     sync.Mutex
	dest   io.Writer
	redact bool
	logger *slog.Logger
}

// AuditOption configures an AuditForwarder.
type AuditOption func(*AuditForwarder)

// WithRedaction toggles redaction of the exported copy. Default on.
func WithRedaction(enabled bool) AuditOption {
	return func(a *AuditForwarder) { a.redact = enabled }
}

// NewAuditForwarder wraps inner, exporting copies to dest (nil = stdout).
func NewAuditForwarder(inner WAL, dest io.Writer, opts ...AuditOption) *AuditForwarder {
	if dest == nil {
		dest = os.Stdout
	}
	a := &AuditForwarder{
		inner:  inner,
		dest:   dest,
		redact: true,
		logger: slog.Default().With("component", "audit_forwarder"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewAuditFileForwarder wraps inner, exporting copies to an append-only
// file at path.
func NewAuditFileForwarder(inner WAL, path string, opts ...AuditOption) (*AuditForwarder, error) {
	//nolint:gosec // G302/G304: operator-chosen audit destination
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit destination: %w", err)
	}
	return NewAuditForwarder(inner, f, opts...), nil
}

func (a *AuditForwarder) Append(ctx context.Context, event *contracts.WalEvent) error {
	// The primary append must complete (and assign id/ts) first.
	if err := a.inner.Append(ctx, event); err != nil {
		return err
	}

	exported := *event
	if a.redact {
		if exported.JTI != "" {
			exported.JTI = RedactedJTI
		}
		exported.Actor = nil
	}

	line, err := json.Marshal(&exported)
	if err != nil {
		a.logger.Warn("audit copy serialization failed", "event_id", event.EventID, "error", err)
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.dest.Write(append(line, '\n')); err != nil {
		a.logger.Warn("audit copy write failed", "event_id", event.EventID, "error", err)
	}
	return nil
}

// Read delegates to the inner journal when it supports read-back.
func (a *AuditForwarder) Read(ctx context.Context, f Filter) ([]contracts.WalEvent, error) {
	if r, ok := a.inner.(Reader); ok {
		return r.Read(ctx, f)
	}
	return nil, nil
}
