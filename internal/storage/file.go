package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the counter in a small text file holding one decimal
// integer. Every Save replaces the whole file through a rename, so a crash
// leaves either the old or the new value on disk.
type FileStore struct {
	mu   sync.Mutex
	path string

	cached bool
	last   uint32
}

// NewFileStore returns a store backed by path. The file is not touched
// until the first Load or Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the counter file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the counter. A missing file is a first boot and loads as 0;
// an unreadable or malformed file is ErrCorruptCounter.
func (s *FileStore) Load(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.load()
}

func (s *FileStore) load() (uint32, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cached, s.last = true, 0
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter file: %w", err)
	}
	n, err := parseCounter(string(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.path, err)
	}
	s.cached, s.last = true, n
	return n, nil
}

// Save durably replaces the stored counter with next. Values lower than
// the stored one are refused with ErrCounterRollback, which also matches
// ErrPersistenceFailure.
func (s *FileStore) Save(ctx context.Context, next uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return persistErr("save", err)
	}

	if !s.cached {
		if _, err := s.load(); err != nil && !errors.Is(err, ErrCorruptCounter) {
			return persistErr("read current value", err)
		}
	}
	if s.cached && next < s.last {
		return persistErr("save", fmt.Errorf("%w: %d < %d", ErrCounterRollback, next, s.last))
	}

	if err := writeFileAtomic(s.path, []byte(formatCounter(next))); err != nil {
		return persistErr("write "+s.path, err)
	}
	s.cached, s.last = true, next
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir makes the rename itself durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
