package wal

import (
	"context"
	"fmt"
	"sort"
)

// Archiver ships a rotated WAL segment to long-term storage before the
// retention policy deletes it from disk.
type Archiver interface {
	// Archive uploads the segment at path. The segment file still exists
	// when this is called; the caller deletes it afterwards regardless of
	// the archive outcome.
	Archive(ctx context.Context, path string) error
}

// ArchiveSettings selects and configures an archive backend by name.
// Fields that a backend does not use are ignored by it.
type ArchiveSettings struct {
	Backend  string // "s3" or "gcs"; empty disables archiving
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

type archiverBuilder func(ctx context.Context, settings ArchiveSettings) (Archiver, error)

// archiverBuilders maps backend names to constructors. Backends register
// themselves in init so build tags control availability.
var archiverBuilders = map[string]archiverBuilder{}

func registerArchiver(name string, build archiverBuilder) {
	archiverBuilders[name] = build
}

// NewArchiver builds the archiver named by settings.Backend. An empty
// backend yields (nil, nil); an unknown backend lists what this binary
// was built with.
func NewArchiver(ctx context.Context, settings ArchiveSettings) (Archiver, error) {
	if settings.Backend == "" {
		return nil, nil
	}
	build, ok := archiverBuilders[settings.Backend]
	if !ok {
		names := make([]string, 0, len(archiverBuilders))
		for name := range archiverBuilders {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown archive backend %q (available: %v)", settings.Backend, names)
	}
	return build(ctx, settings)
}
