package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Storage types accepted by New.
const (
	TypeLocal = "local"
	TypeS3    = "s3"

	CompressZstd = "zstd"
)

var (
	// ErrNotFound is returned by GetStream for a missing artifact.
	ErrNotFound = errors.New("artifact not found")
	// ErrUnknownStorage is returned for an unregistered storage name or type.
	ErrUnknownStorage = errors.New("unknown storage")
)

// Storage is an opaque blob sink keyed by slash separated paths.
type Storage interface {
	// PutStream consumes r until EOF and returns the number of bytes stored.
	PutStream(ctx context.Context, path string, r io.Reader) (int64, error)
	GetStream(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes path. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, path string) error
}

// Spec describes one named storage.
type Spec struct {
	Type     string
	Path     string
	Compress string
	S3       S3Options
}

// New opens the storage described by spec.
func New(ctx context.Context, spec Spec) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch spec.Type {
	case TypeLocal, "":
		s, err = NewLocal(spec.Path)
	case TypeS3:
		s, err = NewS3(ctx, spec.S3)
	default:
		return nil, fmt.Errorf("%w type %q", ErrUnknownStorage, spec.Type)
	}
	if err != nil {
		return nil, err
	}
	switch spec.Compress {
	case "":
	case CompressZstd:
		s = NewZstd(s)
	default:
		return nil, fmt.Errorf("unsupported compression %q", spec.Compress)
	}
	return s, nil
}

// Set holds the configured storages by name.
type Set map[string]Storage

// Get returns the storage registered under name.
func (s Set) Get(name string) (Storage, error) {
	st, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStorage, name)
	}
	return st, nil
}

// Names returns the registered names in order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
