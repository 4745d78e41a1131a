package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores artifacts under a root directory.
type Local struct {
	root string
}

// Ensure Local satisfies Storage.
var _ Storage = (*Local)(nil)

// NewLocal returns a Local rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("local storage: empty path")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory %q: %w", dir, err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) resolve(path string) (string, error) {
	rel := filepath.FromSlash(path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid artifact path %q", path)
	}
	return filepath.Join(l.root, rel), nil
}

// PutStream writes r to a temporary file and renames it into place once
// complete, so a partial artifact never appears under its final name.
func (l *Local) PutStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	dst, err := l.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("mkdir %q: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return n, fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, fmt.Errorf("rename %s: %w", path, err)
	}
	return n, nil
}

// GetStream opens the artifact for reading.
func (l *Local) GetStream(_ context.Context, path string) (io.ReadCloser, error) {
	src, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Delete removes the artifact.
func (l *Local) Delete(_ context.Context, path string) error {
	dst, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
