package wal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// MemoryWAL keeps the journal as an ordered in-process slice. Used when no
// storage path is configured, and by tests asserting audit completeness.
type MemoryWAL struct {
	mu     sync.RWMutex
	events []contracts.WalEvent
	clock  func() time.Time
}

// NewMemoryWAL creates an empty in-memory journal.
func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (w *MemoryWAL) WithClock(clock func() time.Time) *MemoryWAL {
	w.clock = clock
	return w
}

func (w *MemoryWAL) Append(ctx context.Context, event *contracts.WalEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	event.EventID = uuid.New().String()
	event.TS = w.clock().UnixMilli()
	w.events = append(w.events, *event)
	return nil
}

// Events returns a copy of the journal in append order.
func (w *MemoryWAL) Events() []contracts.WalEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]contracts.WalEvent, len(w.events))
	copy(out, w.events)
	return out
}

func (w *MemoryWAL) Read(ctx context.Context, f Filter) ([]contracts.WalEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []contracts.WalEvent
	for i := range w.events {
		if !f.matches(&w.events[i]) {
			continue
		}
		out = append(out, w.events[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
