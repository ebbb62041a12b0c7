package consent

import (
	"sort"
	"sync"
)

// Quarantine is the containment set: sessions and tenants listed here are
// denied issuance and consumption unconditionally, independent of token
// validity. Incident-response tooling mutates it; the engine only reads.
type Quarantine struct {
	mu       sync.RWMutex
	sessions map[string]struct{}
	tenants  map[string]struct{}
}

// NewQuarantine creates an empty containment set.
func NewQuarantine() *Quarantine {
	return &Quarantine{
		sessions: make(map[string]struct{}),
		tenants:  make(map[string]struct{}),
	}
}

// AddSession places a session key under containment.
func (q *Quarantine) AddSession(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions[sessionKey] = struct{}{}
}

// RemoveSession lifts containment for a session key.
func (q *Quarantine) RemoveSession(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, sessionKey)
}

// AddTenant places a whole tenant under containment.
func (q *Quarantine) AddTenant(tenantID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tenants[tenantID] = struct{}{}
}

// RemoveTenant lifts containment for a tenant.
func (q *Quarantine) RemoveTenant(tenantID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tenants, tenantID)
}

// Contains reports whether the session or its tenant is under containment.
func (q *Quarantine) Contains(sessionKey, tenantID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if _, ok := q.sessions[sessionKey]; ok {
		return true
	}
	if tenantID != "" {
		if _, ok := q.tenants[tenantID]; ok {
			return true
		}
	}
	return false
}

// Sessions returns the quarantined session keys, sorted.
func (q *Quarantine) Sessions() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.sessions))
	for s := range q.sessions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Tenants returns the quarantined tenant ids, sorted.
func (q *Quarantine) Tenants() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.tenants))
	for t := range q.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
