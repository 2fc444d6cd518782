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

// FilesystemBackend stores files below a root directory.
type FilesystemBackend struct {
	root string
}

var _ Backend = (*FilesystemBackend)(nil)

// NewFilesystemBackend creates a backend rooted at root, creating it if needed.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", abs, err)
	}
	return &FilesystemBackend{root: abs}, nil
}

// Name implements Backend.
func (b *FilesystemBackend) Name() string {
	return "filesystem"
}

// resolve maps path onto the root. Cleaning against "/" first keeps ".."
// segments from escaping it.
func (b *FilesystemBackend) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid path %q", path)
	}
	return filepath.Join(b.root, clean), nil
}

func mapNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return err
}

// Put implements Backend.
func (b *FilesystemBackend) Put(ctx context.Context, path string, r io.Reader) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// Get implements Backend.
func (b *FilesystemBackend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, mapNotExist(err)
	}
	return f, nil
}

// Delete implements Backend.
func (b *FilesystemBackend) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	return mapNotExist(os.Remove(full))
}

// Rename implements Backend.
func (b *FilesystemBackend) Rename(ctx context.Context, from, to string) error {
	src, err := b.resolve(from)
	if err != nil {
		return err
	}
	dst, err := b.resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", to, err)
	}
	return mapNotExist(os.Rename(src, dst))
}

// Exists implements Backend.
func (b *FilesystemBackend) Exists(ctx context.Context, path string) (bool, error) {
	full, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
