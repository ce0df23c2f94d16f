package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// FileBackend keeps one JSON file per key inside a directory. Two independent
// instances (primary and backup directories) give the durable local layers;
// a third rooted in a wiped-per-run directory gives the session layer.
type FileBackend struct {
	name string
	dir  string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(name, dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage %s: mkdir %s: %w", name, dir, err)
	}
	return &FileBackend{name: name, dir: dir}, nil
}

// NewSessionBackend wipes dir before use so state never survives the run,
// mirroring a session-scoped browser store.
func NewSessionBackend(dir string) (*FileBackend, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("storage session: reset %s: %w", dir, err)
	}
	return NewFileBackend("session", dir)
}

func (f *FileBackend) Name() string { return f.name }

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.dir, unsafeChars.ReplaceAllString(key, "_")+".json")
}

func (f *FileBackend) Put(_ context.Context, key string, data []byte) error {
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(key))
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
