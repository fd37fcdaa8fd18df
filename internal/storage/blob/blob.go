package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// Backend names.
const (
	BackendDisk = "disk"
	BackendS3   = "s3"
)

// ErrInvalidName is returned for names that would escape the store.
var ErrInvalidName = errors.New("blob: invalid name")

// Store persists named blobs.
type Store interface {
	// Put writes size bytes from r under name and returns the location of
	// the stored blob.
	Put(ctx context.Context, name string, r io.Reader, size int64) (string, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}

// Config selects and configures the blob backend.
type Config struct {
	Backend string   `koanf:"backend"`
	Dir     string   `koanf:"dir"`
	S3      S3Config `koanf:"s3"`
}

// DefaultConfig stores uploads under dir on local disk.
func DefaultConfig(dir string) Config {
	return Config{
		Backend: BackendDisk,
		Dir:     dir,
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "uploads/",
		},
	}
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendDisk:
		return NewDiskStore(cfg.Dir, logger)
	case BackendS3:
		return NewS3Store(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", cfg.Backend)
	}
}

// checkName rejects empty names and names with path elements.
func checkName(name string) error {
	if name == "" || name != path.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
