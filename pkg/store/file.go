package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// FileStore is the durable TokenStore: one JSON document mapping jti to
// token record, rewritten in full on every mutation via write-temp-then-
// rename so a crash mid-write never corrupts the store.
//
// The read-modify-write cycle is not safe under concurrent processes; the
// file store is a single-writer store. Use the SQLite or Postgres store
// when more than one process must share tokens.
type FileStore struct {
	mu     sync.Mutex
	path   string
	tokens map[string]*contracts.ConsentToken
	loaded bool
	logger *slog.Logger
}

// NewFileStore creates a durable token store at path. The parent directory
// is created if missing; the document itself is loaded lazily on first use.
func NewFileStore(path string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for the shared state directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure token store dir: %w", err)
	}
	return &FileStore{
		path:   path,
		logger: slog.Default().With("component", "token_store"),
	}, nil
}

// load reads the document once per process. A missing or corrupt file is
// treated as an empty store, not a fatal error.
func (s *FileStore) load() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.tokens = make(map[string]*contracts.ConsentToken)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("token store unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		s.logger.Warn("token store corrupt, starting empty", "path", s.path, "error", err)
		s.tokens = make(map[string]*contracts.ConsentToken)
	}
}

// persist writes the full document atomically.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize token store: %w", err)
	}
	tmp := s.path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for operator-readable state
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit token store: %w", err)
	}
	return nil
}

func (s *FileStore) Put(ctx context.Context, token *contracts.ConsentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	s.tokens[token.JTI] = token.Clone()
	return s.persist()
}

func (s *FileStore) Get(ctx context.Context, jti string) (*contracts.ConsentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	tok, ok := s.tokens[jti]
	if !ok {
		return nil, nil
	}
	return tok.Clone(), nil
}

func (s *FileStore) Transition(ctx context.Context, jti string, to contracts.TokenStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	tok, ok := s.tokens[jti]
	if !ok || !tok.Status.CanTransition(to) {
		return false, nil
	}
	tok.Status = to
	if err := s.persist(); err != nil {
		tok.Status = contracts.StatusIssued
		return false, err
	}
	return true, nil
}

func (s *FileStore) FindBySession(ctx context.Context, sessionKey, tenantID string) ([]*contracts.ConsentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	var out []*contracts.ConsentToken
	for _, tok := range s.tokens {
		if tok.SessionKey == sessionKey && matchTenant(tok, tenantID) {
			out = append(out, tok.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func (s *FileStore) List(ctx context.Context, tenantID string) ([]*contracts.ConsentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	out := make([]*contracts.ConsentToken, 0, len(s.tokens))
	for _, tok := range s.tokens {
		if matchTenant(tok, tenantID) {
			out = append(out, tok.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func (s *FileStore) PruneExpired(ctx context.Context, nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	count := 0
	for _, tok := range s.tokens {
		if tok.Status == contracts.StatusIssued && tok.ExpiredAt(nowMs) {
			tok.Status = contracts.StatusExpired
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return count, s.persist()
}
