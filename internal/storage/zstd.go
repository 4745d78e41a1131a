package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdExtension is appended to every path stored through Zstd.
const ZstdExtension = ".zst"

// Zstd compresses artifacts on the way into the wrapped storage and
// decompresses them on the way out. Callers keep using the logical path.
type Zstd struct {
	inner Storage
	level zstd.EncoderLevel
}

// Ensure Zstd satisfies Storage.
var _ Storage = (*Zstd)(nil)

// NewZstd wraps inner.
func NewZstd(inner Storage) *Zstd {
	return &Zstd{inner: inner, level: zstd.SpeedDefault}
}

// PutStream compresses r through a pipe while the inner storage uploads it,
// and returns the compressed size.
func (z *Zstd) PutStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	pr, pw := io.Pipe()
	go func() {
		writer, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(z.level))
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create zstd writer: %w", err))
			return
		}
		if _, err := io.Copy(writer, r); err != nil {
			writer.Close()
			pw.CloseWithError(fmt.Errorf("compress: %w", err))
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	n, err := z.inner.PutStream(ctx, path+ZstdExtension, pr)
	// Unblock the encoder if the inner storage stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	return n, err
}

// GetStream returns a decompressing reader over the stored artifact.
func (z *Zstd) GetStream(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := z.inner.GetStream(ctx, path+ZstdExtension)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return &zstdReadCloser{Decoder: dec, src: rc}, nil
}

// Delete removes the compressed artifact.
func (z *Zstd) Delete(ctx context.Context, path string) error {
	return z.inner.Delete(ctx, path+ZstdExtension)
}

type zstdReadCloser struct {
	*zstd.Decoder
	src io.Closer
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.src.Close()
}
