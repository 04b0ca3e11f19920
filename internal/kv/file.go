package kv

import (
	"context"
	"encoding/base32"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// keyEncoding turns an opaque key into a filesystem-safe filename; base32
// avoids '/' entirely without the padding noise of base64's '='.
var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// File is a directory-backed Store: one file per key, guarded by an
// advisory lock on the root directory so two processes never open the
// same storage root concurrently.
type File struct {
	mu   sync.RWMutex
	root string
	lock *flock.Flock
}

// OpenFile opens (creating if absent) a file-backed store rooted at dir.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create root dir: %w", err)
	}
	lk := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("kv: acquire root lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("kv: storage root %s is locked by another process", dir)
	}
	return &File{root: dir, lock: lk}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.root, keyEncoding.EncodeToString([]byte(key)))
}

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: read %s: %w", key, err)
	}
	return b, true, nil
}

func (f *File) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("kv: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return fmt.Errorf("kv: commit %s: %w", key, err)
	}
	return nil
}

func (f *File) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (f *File) Keys(ctx context.Context, prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("kv: list root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == ".lock" || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		raw, err := keyEncoding.DecodeString(e.Name())
		if err != nil {
			continue
		}
		key := string(raw)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (f *File) MultiPut(ctx context.Context, items map[string][]byte) error {
	for k, v := range items {
		if err := f.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, err := os.Stat(f.root); err != nil {
		return fmt.Errorf("kv: storage root unreachable: %w", err)
	}
	return nil
}

func (f *File) Close() error {
	return f.lock.Unlock()
}
