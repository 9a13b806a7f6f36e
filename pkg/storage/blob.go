package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrBlobNotFound is returned when nothing has been written under a key yet.
var ErrBlobNotFound = errors.New("blob not found")

// Blob stores opaque serialized blocks under fixed keys. A Put replaces the whole block.
type Blob interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// MemoryBlob keeps blocks in process memory. Contents are lost on restart.
type MemoryBlob struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryBlob creates an empty in-memory blob backend.
func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{items: make(map[string][]byte)}
}

func (m *MemoryBlob) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlob) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlob) Close() error { return nil }

// FileBlob stores each key as a file inside a directory. Writes go to a temp file that is
// renamed over the target, so readers never observe a partial block.
type FileBlob struct {
	dir string
}

// NewFileBlob creates dir if needed.
func NewFileBlob(dir string) (*FileBlob, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("file blob directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileBlob{dir: dir}, nil
}

func (f *FileBlob) path(key string) string {
	return filepath.Join(f.dir, filepath.Base(key)+".json")
}

func (f *FileBlob) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (f *FileBlob) Put(_ context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

func (f *FileBlob) Close() error { return nil }
