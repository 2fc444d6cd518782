package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when an object is absent from a backend.
var ErrNotExist = errors.New("object does not exist")

// Backend stores raw (already encrypted or plain) file content by path.
type Backend interface {
	Put(ctx context.Context, path string, r io.Reader) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}
