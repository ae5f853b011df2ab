// Package storage holds the byte side of the asset store. Stored content is immutable
// after Put, so concurrent readers need no coordination with each other.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrOutOfRange = errors.New("requested range is outside the object")
	ErrInvalidKey = errors.New("invalid object key")
)

// Object is an opened stored blob. ReadRange may be called any number of times; each
// call returns an independent reader, which is what makes ranged responses restartable.
type Object interface {
	Size() int64
	ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error)
	Close() error
}

type Store interface {
	// Put stores r under key and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (Object, error)
	// Delete removes key. Missing keys report ErrNotFound.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

func checkRange(size, offset, length int64) error {
	if offset < 0 || length < 0 || offset > size || offset+length > size {
		return ErrOutOfRange
	}
	return nil
}

// ctxReader stops a long copy once the request context is gone.
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
