package store

import (
	"context"
	"sort"
	"sync"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// MemoryStore is the process-lifetime TokenStore.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*contracts.ConsentToken
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*contracts.ConsentToken)}
}

func (s *MemoryStore) Put(ctx context.Context, token *contracts.ConsentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.JTI] = token.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jti string) (*contracts.ConsentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[jti]
	if !ok {
		return nil, nil
	}
	return tok.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, jti string, to contracts.TokenStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[jti]
	if !ok || !tok.Status.CanTransition(to) {
		return false, nil
	}
	tok.Status = to
	return true, nil
}

func (s *MemoryStore) FindBySession(ctx context.Context, sessionKey, tenantID string) ([]*contracts.ConsentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ConsentToken
	for _, tok := range s.tokens {
		if tok.SessionKey == sessionKey && matchTenant(tok, tenantID) {
			out = append(out, tok.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string) ([]*contracts.ConsentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.ConsentToken, 0, len(s.tokens))
	for _, tok := range s.tokens {
		if matchTenant(tok, tenantID) {
			out = append(out, tok.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func (s *MemoryStore) PruneExpired(ctx context.Context, nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, tok := range s.tokens {
		if tok.Status == contracts.StatusIssued && tok.ExpiredAt(nowMs) {
			tok.Status = contracts.StatusExpired
			count++
		}
	}
	return count, nil
}

// sortTokens orders by issue time then jti for deterministic listings.
func sortTokens(toks []*contracts.ConsentToken) {
	sort.Slice(toks, func(i, j int) bool {
		if toks[i].IssuedAt != toks[j].IssuedAt {
			return toks[i].IssuedAt < toks[j].IssuedAt
		}
		return toks[i].JTI < toks[j].JTI
	})
}
