package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaymesh/consentgate/pkg/contracts"

	_ "github.com/lib/pq" // Postgres Driver
)

// PostgresStore is a TokenStore on Postgres, for deployments where several
// gateway processes must share consent state. Transition semantics match
// the SQLite store: a conditional UPDATE guarantees exactly one winner.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects with the given DSN and migrates the schema.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS consent_tokens (
		jti TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		tool TEXT NOT NULL,
		trust_tier TEXT NOT NULL,
		session_key TEXT NOT NULL,
		context_hash TEXT NOT NULL,
		bundle_hash TEXT NOT NULL DEFAULT '',
		issued_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		issued_by TEXT NOT NULL DEFAULT '',
		policy_version TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_consent_tokens_session ON consent_tokens (session_key);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, token *contracts.ConsentToken) error {
	query := `INSERT INTO consent_tokens (
		jti, status, tool, trust_tier, session_key, context_hash, bundle_hash,
		issued_at, expires_at, issued_by, policy_version, tenant_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (jti) DO UPDATE SET status = EXCLUDED.status`
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

const pgTokenColumns = `jti, status, tool, trust_tier, session_key, context_hash, bundle_hash,
		issued_at, expires_at, issued_by, policy_version, tenant_id`

func (s *PostgresStore) Get(ctx context.Context, jti string) (*contracts.ConsentToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgTokenColumns+` FROM consent_tokens WHERE jti = $1`, jti)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tok, err
}

func (s *PostgresStore) Transition(ctx context.Context, jti string, to contracts.TokenStatus) (bool, error) {
	if !contracts.StatusIssued.CanTransition(to) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE consent_tokens SET status = $1 WHERE jti = $2 AND status = $3`,
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

func (s *PostgresStore) FindBySession(ctx context.Context, sessionKey, tenantID string) ([]*contracts.ConsentToken, error) {
	query := `SELECT ` + pgTokenColumns + ` FROM consent_tokens
		WHERE session_key = $1 AND ($2 = '' OR tenant_id = $2)
		ORDER BY issued_at, jti`
	return s.queryTokens(ctx, query, sessionKey, tenantID)
}

func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*contracts.ConsentToken, error) {
	query := `SELECT ` + pgTokenColumns + ` FROM consent_tokens
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY issued_at, jti`
	return s.queryTokens(ctx, query, tenantID)
}

func (s *PostgresStore) PruneExpired(ctx context.Context, nowMs int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consent_tokens SET status = $1
		 WHERE status = $2 AND expires_at > 0 AND expires_at < $3`,
		string(contracts.StatusExpired), string(contracts.StatusIssued), nowMs)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) queryTokens(ctx context.Context, query string, args ...any) ([]*contracts.ConsentToken, error) {
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
