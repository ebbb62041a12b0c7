//go:build gcp

package wal

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
)

func init() {
	registerArchiver("gcs", func(ctx context.Context, settings ArchiveSettings) (Archiver, error) {
		return NewGCSArchiver(ctx, GCSArchiverConfig{
			Bucket: settings.Bucket,
			Prefix: settings.Prefix,
		})
	})
}

// GCSArchiver uploads displaced WAL segments to a Google Cloud Storage
// bucket. Credentials come from Application Default Credentials.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// GCSArchiverConfig holds configuration for GCSArchiver.
type GCSArchiverConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSArchiver creates a GCS-backed segment archiver.
func NewGCSArchiver(ctx context.Context, cfg GCSArchiverConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		clock:  time.Now,
	}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, segmentPath string) error {
	data, err := os.ReadFile(segmentPath) //nolint:gosec // G304: path comes from the WAL's own dir
	if err != nil {
		return fmt.Errorf("failed to read wal segment: %w", err)
	}

	objectPath := path.Join(a.prefix, archiveKey(segmentPath, a.clock()))
	w := a.client.Bucket(a.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

// Close closes the GCS client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
