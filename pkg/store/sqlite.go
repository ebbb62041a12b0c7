package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaymesh/consentgate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a TokenStore on an embedded SQLite database. Unlike the
// file store, Transition is a conditional UPDATE, so the single-use
// guarantee holds even when multiple processes share the database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and migrates the
// schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS consent_tokens (
        jti TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        tool TEXT NOT NULL,
        trust_tier TEXT NOT NULL,
        session_key TEXT NOT NULL,
        context_hash TEXT NOT NULL,
        bundle_hash TEXT NOT NULL DEFAULT '',
        issued_at INTEGER NOT NULL,
        expires_at INTEGER NOT NULL,
        issued_by TEXT NOT NULL DEFAULT '',
        policy_version TEXT NOT NULL DEFAULT '',
        tenant_id TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_consent_tokens_session ON consent_tokens (session_key);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, token *contracts.ConsentToken) error {
	query := `INSERT OR REPLACE INTO consent_tokens (
		jti, status, tool, trust_tier, session_key, context_hash, bundle_hash,
		issued_at, expires_at, issued_by, policy_version, tenant_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		token.JTI, string(token.Status), token.Tool, token.TrustTier,
		token.SessionKey, token.ContextHash, token.BundleHash,
		token.IssuedAt, token.ExpiresAt, token.IssuedBy,
		token.PolicyVersion, token.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

const sqliteTokenColumns = `jti, status, tool, trust_tier, session_key, context_hash, bundle_hash,
		issued_at, expires_at, issued_by, policy_version, tenant_id`

func (s *SQLiteStore) Get(ctx context.Context, jti string) (*contracts.ConsentToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTokenColumns+` FROM consent_tokens WHERE jti = ?`, jti)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tok, err
}

// Transition moves an issued token to a terminal status. The UPDATE is
// conditional on the current status so two racing consumers cannot both win.
func (s *SQLiteStore) Transition(ctx context.Context, jti string, to contracts.TokenStatus) (bool, error) {
	if !contracts.StatusIssued.CanTransition(to) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE consent_tokens SET status = ? WHERE jti = ? AND status = ?`,
		string(to), jti, string(contracts.StatusIssued))
	if err != nil {
		return false, fmt.Errorf("failed to transition token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) FindBySession(ctx context.Context, sessionKey, tenantID string) ([]*contracts.ConsentToken, error) {
	query := `SELECT ` + sqliteTokenColumns + ` FROM consent_tokens
		WHERE session_key = ? AND (? = '' OR tenant_id = ?)
		ORDER BY issued_at, jti`
	return s.queryTokens(ctx, query, sessionKey, tenantID, tenantID)
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string) ([]*contracts.ConsentToken, error) {
	query := `SELECT ` + sqliteTokenColumns + ` FROM consent_tokens
		WHERE (? = '' OR tenant_id = ?)
		ORDER BY issued_at, jti`
	return s.queryTokens(ctx, query, tenantID, tenantID)
}

func (s *SQLiteStore) PruneExpired(ctx context.Context, nowMs int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consent_tokens SET status = ?
		 WHERE status = ? AND expires_at > 0 AND expires_at < ?`,
		string(contracts.StatusExpired), string(contracts.StatusIssued), nowMs)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) queryTokens(ctx context.Context, query string, args ...any) ([]*contracts.ConsentToken, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ConsentToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*contracts.ConsentToken, error) {
	var tok contracts.ConsentToken
	var status string
	err := row.Scan(
		&tok.JTI, &status, &tok.Tool, &tok.TrustTier, &tok.SessionKey,
		&tok.ContextHash, &tok.BundleHash, &tok.IssuedAt, &tok.ExpiresAt,
		&tok.IssuedBy, &tok.PolicyVersion, &tok.TenantID,
	)
	if err != nil {
		return nil, err
	}
	tok.Status = contracts.TokenStatus(status)
	return &tok, nil
}
