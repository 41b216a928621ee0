package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// FileStore persists credentials as a JSON object in a single file, so a CLI
// session survives between invocations. Writes go through a temp file and a
// rename to avoid leaving a truncated file behind.
type FileStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by path. The file is read lazily.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credentials: file store path is required")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file location
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	previous, existed := s.values[key]
	if existed && previous == value {
		return nil
	}
	s.values[key] = value
	if err := s.flushLocked(); err != nil {
		s.restoreLocked(key, previous, existed)
		return err
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	previous, ok := s.values[key]
	if !ok {
		return nil
	}
	delete(s.values, key)
	if err := s.flushLocked(); err != nil {
		s.restoreLocked(key, previous, true)
		return err
	}
	return nil
}

// restoreLocked undoes an in-memory change whose flush failed, keeping memory
// in line with the file on disk
func (s *FileStore) restoreLocked(key, previous string, existed bool) {
	if existed {
		s.values[key] = previous
		return
	}
	delete(s.values, key)
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.values = make(map[string]string)

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.loaded = true
		return nil
	case err != nil:
		return fmt.Errorf("failed to read credentials file %s: %w", s.path, err)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.values); err != nil {
			return fmt.Errorf("failed to parse credentials file %s: %w", s.path, err)
		}
	}
	s.loaded = true
	return nil
}

func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set credentials file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credentials file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}
