package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

const (
	// DefaultMaxBytes is the rotation threshold for the current segment.
	DefaultMaxBytes int64 = 2 * 1024 * 1024
	// DefaultRetain is the number of segments kept on disk.
	DefaultRetain = 5
)

// FileWAL is the durable journal: line-delimited JSON, one event per line,
// in a dedicated subdirectory. wal.0.jsonl is the current segment; rotation
// shifts names upward and discards (or archives) the segment past retention.
// Records are never rewritten in place.
type FileWAL struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	retain   int
	archiver Archiver
	clock    func() time.Time
	logger   *slog.Logger
}

// FileWALOption configures a FileWAL.
type FileWALOption func(*FileWAL)

// WithMaxBytes overrides the rotation threshold.
func WithMaxBytes(n int64) FileWALOption {
	return func(w *FileWAL) {
		if n > 0 {
			w.maxBytes = n
		}
	}
}

// WithRetain overrides the number of retained segments.
func WithRetain(n int) FileWALOption {
	return func(w *FileWAL) {
		if n > 0 {
			w.retain = n
		}
	}
}

// WithArchiver ships the segment displaced past retention to long-term
// storage before it is deleted. Archive failures are logged, never fatal.
func WithArchiver(a Archiver) FileWALOption {
	return func(w *FileWAL) { w.archiver = a }
}

// WithFileClock overrides the clock for testing.
func WithFileClock(clock func() time.Time) FileWALOption {
	return func(w *FileWAL) { w.clock = clock }
}

// NewFileWAL creates a durable journal under dir.
func NewFileWAL(dir string, opts ...FileWALOption) (*FileWAL, error) {
	//nolint:gosec // G301: 0755 is intentional for the shared WAL directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure wal dir: %w", err)
	}
	w := &FileWAL{
		dir:      dir,
		maxBytes: DefaultMaxBytes,
		retain:   DefaultRetain,
		clock:    time.Now,
		logger:   slog.Default().With("component", "wal"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal.%d.jsonl", index))
}

// Append persists one decision record. A failure here is a correctness
// violation for the gate and is returned to the caller, unlike the
// secondary audit copy which is best-effort.
func (w *FileWAL) Append(ctx context.Context, event *contracts.WalEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.EventID = uuid.New().String()
	event.TS = w.clock().UnixMilli()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize wal event: %w", err)
	}

	current := w.segmentPath(0)
	//nolint:gosec // G302/G304: path is constructed from the configured dir
	f, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open wal segment: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append wal event: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close wal segment: %w", err)
	}

	w.rotateIfNeeded(ctx)
	return nil
}

// rotateIfNeeded shifts segments upward once the current one exceeds the
// threshold. Rotation trouble must not fail the append that already
// succeeded, so problems are only logged.
func (w *FileWAL) rotateIfNeeded(ctx context.Context) {
	info, err := os.Stat(w.segmentPath(0))
	if err != nil || info.Size() < w.maxBytes {
		return
	}

	oldest := w.segmentPath(w.retain - 1)
	if _, err := os.Stat(oldest); err == nil {
		if w.archiver != nil {
			if err := w.archiver.Archive(ctx, oldest); err != nil {
				w.logger.Warn("wal segment archive failed", "segment", oldest, "error", err)
			}
		}
		if err := os.Remove(oldest); err != nil {
			w.logger.Warn("wal segment delete failed", "segment", oldest, "error", err)
			return
		}
	}

	for i := w.retain - 2; i >= 0; i-- {
		src := w.segmentPath(i)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, w.segmentPath(i+1)); err != nil {
			w.logger.Warn("wal segment rotate failed", "segment", src, "error", err)
			return
		}
	}
}

// Read walks segments oldest to newest and returns matching events in
// chronological order. Malformed lines are skipped, not fatal: one corrupt
// record must never block forensics over the rest of the journal.
func (w *FileWAL) Read(ctx context.Context, f Filter) ([]contracts.WalEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var out []contracts.WalEvent
	for i := w.retain - 1; i >= 0; i-- {
		path := w.segmentPath(i)
		//nolint:gosec // G304: path is constructed from the configured dir
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to open wal segment: %w", err)
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var event contracts.WalEvent
			if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
				w.logger.Warn("skipping malformed wal line", "segment", path, "error", err)
				continue
			}
			if !f.matches(&event) {
				continue
			}
			out = append(out, event)
			if len(out) >= limit {
				_ = file.Close()
				return out, nil
			}
		}
		err = scanner.Err()
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to scan wal segment: %w", err)
		}
	}
	return out, nil
}
