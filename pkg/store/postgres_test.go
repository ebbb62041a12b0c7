package store

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS consent_tokens").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresStore_TransitionWinnerAndLoser(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockPostgres(t)

	// Winner: the conditional UPDATE touches one row.
	mock.ExpectExec("UPDATE consent_tokens SET status").
		WithArgs("consumed", "a", "issued").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.Transition(ctx, "a", contracts.StatusConsumed)
	require.NoError(t, err)
	assert.True(t, ok)

	// Loser: the row is no longer issued, zero rows touched.
	mock.ExpectExec("UPDATE consent_tokens SET status").
		WithArgs("consumed", "a", "issued").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.Transition(ctx, "a", contracts.StatusConsumed)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionIllegalTargetSkipsSQL(t *testing.T) {
	s, mock := newMockPostgres(t)

	// issued -> issued is not in the transition table; no query is issued.
	ok, err := s.Transition(context.Background(), "a", contracts.StatusIssued)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionPropagatesInfraError(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE consent_tokens SET status").
		WillReturnError(errors.New("connection reset"))
	ok, err := s.Transition(context.Background(), "a", contracts.StatusRevoked)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresStore_GetAbsentReturnsNil(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM consent_tokens WHERE jti").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"jti"}))
	tok, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, tok)
}
