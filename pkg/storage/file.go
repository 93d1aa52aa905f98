// Package storage persists an opaque blob at a fixed path with owner-only
// permissions and whole-file atomic replacement.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// StorageError is a sentinel error of this package.
type StorageError string

func (e StorageError) Error() string {
	return string(e)
}

const (
	// ErrNotFound is returned by Read when nothing has been written yet.
	ErrNotFound StorageError = "storage: blob not found"
	// ErrAtomicWrite is returned when the replacement could not be committed.
	ErrAtomicWrite StorageError = "storage: atomic write failed"
)

const (
	permFile os.FileMode = 0o600
	permDir  os.FileMode = 0o700
)

// Blob is a whole-file store.
type Blob interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// File is a Blob backed by a single file.
type File struct {
	path string
}

var _ Blob = (*File)(nil)

// NewFile returns a File at path. The parent directory is created on first
// write.
func NewFile(path string) *File {
	return &File{path: filepath.Clean(path)}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Read returns the whole file.
func (f *File) Read(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return data, nil
}

// Write replaces the file with data. The data is written to a temporary
// file in the same directory, synced, and renamed over the target so a crash
// leaves either the old or the new contents.
func (f *File) Write(_ context.Context, data []byte) (err error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, permDir); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmpPath := f.path + ".tmp." + randomSuffix()
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, permFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAtomicWrite, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrAtomicWrite, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrAtomicWrite, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrAtomicWrite, err)
	}
	if err = os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("%w: %w", ErrAtomicWrite, err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // dir is derived from the configured path.
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
