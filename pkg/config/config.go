// Package config loads and validates the ConsentGate runtime
// configuration. Settings come from a YAML file, with environment
// variables taking precedence for deployment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/relaymesh/consentgate/pkg/canonicalize"
)

// Config holds the full gate configuration. The zero value is a disabled
// gate; Defaults fills in operational settings for an enabled one.
type Config struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	ObserveOnly   bool     `yaml:"observe_only" json:"observe_only"`
	GatedTools    []string `yaml:"gated_tools" json:"gated_tools"`
	PolicyVersion string   `yaml:"policy_version" json:"policy_version"`
	DefaultTTLMs  int64    `yaml:"default_ttl_ms" json:"default_ttl_ms"`

	Store     StoreConfig     `yaml:"store" json:"store"`
	Tiers     TiersConfig     `yaml:"tiers" json:"tiers"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	WAL       WALConfig       `yaml:"wal" json:"wal"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	Archive   ArchiveConfig   `yaml:"archive" json:"archive"`
}

// StoreConfig selects the token store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend" json:"backend"` // "memory" | "file" | "sqlite" | "postgres"
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
}

// TiersConfig maps sessions to trust tiers and tiers to allowed tools.
type TiersConfig struct {
	Prefixes map[string]string   `yaml:"prefixes,omitempty" json:"prefixes,omitempty"`
	Default  string              `yaml:"default,omitempty" json:"default,omitempty"`
	Matrix   map[string][]string `yaml:"matrix,omitempty" json:"matrix,omitempty"`
}

// RateLimitConfig bounds consent operations per session. MaxOps of zero
// disables the guard.
type RateLimitConfig struct {
	MaxOps        int    `yaml:"max_ops" json:"max_ops"`
	WindowMs      int64  `yaml:"window_ms" json:"window_ms"`
	Backend       string `yaml:"backend,omitempty" json:"backend,omitempty"` // "window" | "bucket" | "redis"
	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
}

// WALConfig controls the durable decision journal.
type WALConfig struct {
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	MaxBytes int64  `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	Retain   int    `yaml:"retain,omitempty" json:"retain,omitempty"`
}

// AuditConfig controls the redacted audit export stream.
type AuditConfig struct {
	Destination   string `yaml:"destination,omitempty" json:"destination,omitempty"` // "" disables, "stdout", or a file path
	RedactSecrets *bool  `yaml:"redact_secrets,omitempty" json:"redact_secrets,omitempty"`
}

// ArchiveConfig ships rotated WAL segments to object storage.
type ArchiveConfig struct {
	Backend  string `yaml:"backend,omitempty" json:"backend,omitempty"` // "s3" | "gcs"
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// configSchema rejects structurally invalid configs before any backend is
// touched.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "enabled": {"type": "boolean"},
    "observe_only": {"type": "boolean"},
    "gated_tools": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "policy_version": {"type": "string"},
    "default_ttl_ms": {"type": "integer", "minimum": 0},
    "store": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["memory", "file", "sqlite", "postgres"]},
        "path": {"type": "string"},
        "postgres_dsn": {"type": "string"}
      }
    },
    "tiers": {
      "type": "object",
      "properties": {
        "prefixes": {"type": "object", "additionalProperties": {"type": "string"}},
        "default": {"type": "string"},
        "matrix": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "max_ops": {"type": "integer", "minimum": 0},
        "window_ms": {"type": "integer", "minimum": 0},
        "backend": {"enum": ["", "window", "bucket", "redis"]},
        "redis_addr": {"type": "string"},
        "redis_password": {"type": "string"},
        "redis_db": {"type": "integer", "minimum": 0}
      }
    },
    "wal": {
      "type": "object",
      "properties": {
        "dir": {"type": "string"},
        "max_bytes": {"type": "integer", "minimum": 0},
        "retain": {"type": "integer", "minimum": 0}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "destination": {"type": "string"},
        "redact_secrets": {"type": "boolean"}
      }
    },
    "archive": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["", "s3", "gcs"]},
        "bucket": {"type": "string"},
        "region": {"type": "string"},
        "endpoint": {"type": "string"},
        "prefix": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("consentgate-config.json", configSchema)

// Defaults returns the configuration an enabled gate runs with when no
// file or environment is provided.
func Defaults() *Config {
	return &Config{
		Enabled:       true,
		PolicyVersion: "1.0.0",
		DefaultTTLMs:  300_000,
		Store:         StoreConfig{Backend: "memory"},
		Tiers:         TiersConfig{Default: "T0"},
		RateLimit:     RateLimitConfig{Backend: "window", WindowMs: 60_000},
		WAL:           WALConfig{MaxBytes: 2 << 20, Retain: 5},
	}
}

// Load reads the config file at path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := validateSchema(data); err != nil {
			return nil, fmt.Errorf("config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateSchema runs the YAML document through the JSON schema. YAML is
// decoded to a generic value first because the schema compiler speaks
// JSON types.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	// Round-trip through JSON so map keys and numbers carry JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	var jsonDoc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&jsonDoc); err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	if err := compiledSchema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONSENTGATE_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONSENTGATE_OBSERVE_ONLY"); v != "" {
		cfg.ObserveOnly = v == "true" || v == "1"
	}
	if v := os.Getenv("CONSENTGATE_GATED_TOOLS"); v != "" {
		cfg.GatedTools = splitNonEmpty(v)
	}
	if v := os.Getenv("CONSENTGATE_POLICY_VERSION"); v != "" {
		cfg.PolicyVersion = v
	}
	if v := os.Getenv("CONSENTGATE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("CONSENTGATE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONSENTGATE_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("CONSENTGATE_WAL_DIR"); v != "" {
		cfg.WAL.Dir = v
	}
	if v := os.Getenv("CONSENTGATE_AUDIT_DESTINATION"); v != "" {
		cfg.Audit.Destination = v
	}
	if v := os.Getenv("CONSENTGATE_REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
		cfg.RateLimit.Backend = "redis"
	}
	if v := os.Getenv("CONSENTGATE_RATE_MAX_OPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxOps = n
		}
	}
}

func splitNonEmpty(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.PolicyVersion != "" {
		if _, err := semver.NewVersion(c.PolicyVersion); err != nil {
			return fmt.Errorf("policy_version %q is not valid semver: %w", c.PolicyVersion, err)
		}
	}
	switch c.Store.Backend {
	case "", "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store backend %q requires store.path", c.Store.Backend)
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires store.postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.RateLimit.MaxOps > 0 {
		if c.RateLimit.WindowMs <= 0 {
			return fmt.Errorf("rate_limit.window_ms must be positive when max_ops is set")
		}
		if c.RateLimit.Backend == "redis" && c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate_limit backend redis requires redis_addr")
		}
	}
	if c.Archive.Backend != "" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive backend %q requires archive.bucket", c.Archive.Backend)
	}
	return nil
}

// Gated reports whether the tool requires a consent token under this
// configuration. An empty gated_tools list gates every tool.
func (c *Config) Gated(tool string) bool {
	if !c.Enabled {
		return false
	}
	if len(c.GatedTools) == 0 {
		return true
	}
	for _, t := range c.GatedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Fingerprint returns a stable hash of the configuration, used to detect
// settings changes across runtime rebuilds.
func (c *Config) Fingerprint() (string, error) {
	return canonicalize.CanonicalHash(c)
}
