package wal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func init() {
	registerArchiver("s3", func(ctx context.Context, settings ArchiveSettings) (Archiver, error) {
		return NewS3Archiver(ctx, S3ArchiverConfig{
			Bucket:   settings.Bucket,
			Region:   settings.Region,
			Endpoint: settings.Endpoint,
			Prefix:   settings.Prefix,
		})
	})
}

// S3Archiver uploads displaced WAL segments to an S3 bucket. Each upload is
// keyed by rotation timestamp so successive rotations never collide.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// S3ArchiverConfig holds configuration for S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Archiver creates an S3-backed segment archiver.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		clock:  time.Now,
	}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, segmentPath string) error {
	data, err := os.ReadFile(segmentPath) //nolint:gosec // G304: path comes from the WAL's own dir
	if err != nil {
		return fmt.Errorf("failed to read wal segment: %w", err)
	}

	key := path.Join(a.prefix, archiveKey(segmentPath, a.clock()))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

// archiveKey names the uploaded object by rotation time plus the original
// segment name.
func archiveKey(segmentPath string, now time.Time) string {
	return fmt.Sprintf("%s.%s", now.UTC().Format("20060102T150405.000Z"), filepath.Base(segmentPath))
}
