package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// DiskStore keeps blobs as files in a single directory.
type DiskStore struct {
	dir    string
	logger *slog.Logger
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir string, logger *slog.Logger) (*DiskStore, error) {
	if dir == "" {
		return nil, errors.New("blob: dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskStore{dir: dir, logger: logger}, nil
}

// Put copies r into a temporary file and renames it into place, so a
// reader never observes a partial blob. It returns the file path.
func (s *DiskStore) Put(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: io.LimitReader(r, size+1)})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("blob: write %s: %w", name, err)
	}
	if n != size {
		cleanup()
		return "", fmt.Errorf("blob: %s: wrote %d bytes, expected %d", name, n, size)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("blob: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blob: close %s: %w", name, err)
	}

	dst := filepath.Join(s.dir, name)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blob: rename %s: %w", name, err)
	}

	s.logger.Debug("blob stored", "name", name, "size", size)
	return dst, nil
}

// Delete removes the named file.
func (s *DiskStore) Delete(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: delete %s: %w", name, err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
