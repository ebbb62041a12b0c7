package consent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/relaymesh/consentgate/pkg/config"
	"github.com/relaymesh/consentgate/pkg/store"
	"github.com/relaymesh/consentgate/pkg/tiers"
	"github.com/relaymesh/consentgate/pkg/wal"
)

// Runtime is an assembled gate: the engine plus the shared pieces hosts
// need direct access to.
type Runtime struct {
	Engine     Engine
	Quarantine *Quarantine
	Tiers      *tiers.Resolver
	WAL        wal.WAL
	Store      store.TokenStore
	Config     *config.Config
}

// Resolver builds Runtimes from configuration and caches them by config
// fingerprint, so repeated resolution with unchanged settings reuses the
// same store handles and quarantine state.
type Resolver struct {
	mu     sync.Mutex
	cached *Runtime
	print  string
	logger *slog.Logger
}

// NewResolver creates an empty runtime resolver.
func NewResolver() *Resolver {
	return &Resolver{logger: slog.Default().With("component", "consent_resolver")}
}

// Resolve returns the runtime for cfg, rebuilding only when the config
// fingerprint changed. A disabled config resolves to the no-op engine.
func (r *Resolver) Resolve(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	print, err := cfg.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("config fingerprint failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.print == print {
		return r.cached, nil
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r.logger.Info("consent runtime built",
		"enabled", cfg.Enabled,
		"store", cfg.Store.Backend,
		"fingerprint", print[:12])
	r.cached = rt
	r.print = print
	return rt, nil
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if !cfg.Enabled {
		// Operational surfaces still get working (empty) backends, so a
		// disabled gate never hands out nil fields.
		return &Runtime{
			Engine:     NoopEngine{},
			Quarantine: NewQuarantine(),
			Tiers:      tiers.NewResolver(nil, ""),
			Store:      store.NewMemoryStore(),
			WAL:        wal.NewMemoryWAL(),
			Config:     cfg,
		}, nil
	}

	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	w, err := buildWAL(ctx, cfg)
	if err != nil {
		return nil, err
	}

	quarantine := NewQuarantine()
	tierResolver := tiers.NewResolver(cfg.Tiers.Prefixes, cfg.Tiers.Default)

	opts := []Option{
		WithQuarantine(quarantine),
		WithPolicyVersion(cfg.PolicyVersion),
	}
	if cfg.Tiers.Matrix != nil {
		opts = append(opts, WithMatrix(tiers.Matrix(cfg.Tiers.Matrix)))
	}
	if cfg.DefaultTTLMs > 0 {
		opts = append(opts, WithDefaultTTL(time.Duration(cfg.DefaultTTLMs)*time.Millisecond))
	}
	if limiter := buildLimiter(cfg); limiter != nil {
		opts = append(opts, WithLimiter(limiter))
	}
	if metrics, err := NewMetrics(); err == nil {
		opts = append(opts, WithMetrics(metrics))
	} else {
		slog.Warn("consent metrics unavailable", "error", err)
	}

	return &Runtime{
		Engine:     NewEngine(st, w, opts...),
		Quarantine: quarantine,
		Tiers:      tierResolver,
		WAL:        w,
		Store:      st,
		Config:     cfg,
	}, nil
}

func buildStore(cfg *config.Config) (store.TokenStore, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(cfg.Store.Path)
	case "sqlite":
		return store.OpenSQLiteStore(cfg.Store.Path)
	case "postgres":
		return store.OpenPostgresStore(cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildWAL(ctx context.Context, cfg *config.Config) (wal.WAL, error) {
	var inner wal.WAL
	if cfg.WAL.Dir == "" {
		inner = wal.NewMemoryWAL()
	} else {
		var opts []wal.FileWALOption
		if cfg.WAL.MaxBytes > 0 {
			opts = append(opts, wal.WithMaxBytes(cfg.WAL.MaxBytes))
		}
		if cfg.WAL.Retain > 0 {
			opts = append(opts, wal.WithRetain(cfg.WAL.Retain))
		}
		archiver, err := wal.NewArchiver(ctx, wal.ArchiveSettings{
			Backend:  cfg.Archive.Backend,
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
			Prefix:   cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("archive backend: %w", err)
		}
		if archiver != nil {
			opts = append(opts, wal.WithArchiver(archiver))
		}
		fw, err := wal.NewFileWAL(cfg.WAL.Dir, opts...)
		if err != nil {
			return nil, fmt.Errorf("wal init: %w", err)
		}
		inner = fw
	}

	switch cfg.Audit.Destination {
	case "":
		return inner, nil
	case "stdout":
		return wal.NewAuditForwarder(inner, os.Stdout, auditOpts(cfg)...), nil
	default:
		return wal.NewAuditFileForwarder(inner, cfg.Audit.Destination, auditOpts(cfg)...)
	}
}

func auditOpts(cfg *config.Config) []wal.AuditOption {
	if cfg.Audit.RedactSecrets != nil {
		return []wal.AuditOption{wal.WithRedaction(*cfg.Audit.RedactSecrets)}
	}
	return nil
}

func buildLimiter(cfg *config.Config) Limiter {
	rl := cfg.RateLimit
	if rl.MaxOps <= 0 {
		return nil
	}
	window := time.Duration(rl.WindowMs) * time.Millisecond
	switch rl.Backend {
	case "redis":
		return NewRedisLimiter(rl.RedisAddr, rl.RedisPassword, rl.RedisDB, rl.MaxOps, window)
	case "bucket":
		return NewBucketLimiter(rl.MaxOps, window)
	default:
		return NewWindowLimiter(rl.MaxOps, window)
	}
}
