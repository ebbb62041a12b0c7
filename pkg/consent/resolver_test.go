package consent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/consentgate/pkg/config"
	"github.com/relaymesh/consentgate/pkg/contracts"
)

func TestResolveDisabledYieldsNoop(t *testing.T) {
	r := NewResolver()

	rt, err := r.Resolve(context.Background(), &config.Config{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, NoopEngine{}, rt.Engine)

	// Disabled runtimes still carry working backends so operational
	// tooling can read them without nil checks.
	require.NotNil(t, rt.Store)
	require.NotNil(t, rt.WAL)
	tokens, err := rt.Store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestResolveCachesByFingerprint(t *testing.T) {
	r := NewResolver()
	cfg := config.Defaults()

	first, err := r.Resolve(context.Background(), cfg)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// Quarantine state survives repeated resolution.
	first.Quarantine.AddSession("sess-x")
	assert.True(t, second.Quarantine.Contains("sess-x", ""))
}

func TestResolveRebuildsOnConfigChange(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	first, err := r.Resolve(ctx, config.Defaults())
	require.NoError(t, err)

	changed := config.Defaults()
	changed.PolicyVersion = "2.0.0"
	second, err := r.Resolve(ctx, changed)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestResolveBuildsWorkingFileBackedRuntime(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Store.Backend = "file"
	cfg.Store.Path = filepath.Join(dir, "tokens.json")
	cfg.WAL.Dir = filepath.Join(dir, "wal")

	rt, err := NewResolver().Resolve(context.Background(), cfg)
	require.NoError(t, err)

	tok, d, err := rt.Engine.Issue(context.Background(), issueReq())
	require.NoError(t, err)
	require.True(t, d.Allowed)

	stored, err := rt.Store.Get(context.Background(), tok.JTI)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusIssued, stored.Status)
}

func TestResolveRejectsUnknownArchiveBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.WAL.Dir = t.TempDir()
	cfg.Archive.Backend = "tape"
	cfg.Archive.Bucket = "b"

	_, err := NewResolver().Resolve(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown archive backend")
}
