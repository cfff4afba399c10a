// Package local stores content on the local filesystem. The coordinator
// uses it for .c files and both stores use it by default.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirPerm  fs.FileMode = 0755
	filePerm fs.FileMode = 0644
)

// Config holds local filesystem backend settings.
type Config struct {
	// RootPath prefixes every key. Daemons that address files by their
	// absolute path use "/".
	RootPath string `yaml:"root_path"`
	// CreateDirs creates the root and missing parent directories on write.
	CreateDirs bool `yaml:"create_dirs"`
}

// LocalBackend implements storage.Backend on a directory tree.
type LocalBackend struct {
	root       string
	createDirs bool
}

// New opens the backend rooted at cfg.RootPath.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, errors.New("local backend: root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && cfg.CreateDirs:
		if err := os.MkdirAll(cfg.RootPath, dirPerm); err != nil {
			return nil, fmt.Errorf("local backend: create root %s: %w", cfg.RootPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("local backend: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("local backend: root %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{root: cfg.RootPath, createDirs: cfg.CreateDirs}, nil
}

func (b *LocalBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// GetObject opens the regular file at key. Directories are reported as
// not found so a dfile on a directory fails like a missing file.
func (b *LocalBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		err = &fs.PathError{Op: "open", Path: key, Err: fs.ErrNotExist}
	}
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// PutObject truncates or creates the file at key and copies body into it.
// The write happens in place, so a concurrent reader may see a partial
// file and the last writer wins.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader) (n int64, err error) {
	p := b.path(key)
	if b.createDirs {
		if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
			return 0, err
		}
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	n, err = io.Copy(f, body)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", key, err)
	}
	return n, nil
}

// DeleteObject unlinks the file at key.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	return os.Remove(b.path(key))
}

// ObjectExists reports whether anything exists at key.
func (b *LocalBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	_, err := os.Lstat(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// List returns the names of regular files directly under dir that end in
// suffix, sorted by name.
func (b *LocalBackend) List(_ context.Context, dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(b.path(dir))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op.
func (b *LocalBackend) Close() error { return nil }
