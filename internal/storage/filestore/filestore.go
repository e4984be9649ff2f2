package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/nkiryanov/glavbuh/internal/storage"
)

const fileMode = 0o600

// File backed key/value storage
// The whole document is rewritten on every change with temp file + rename,
// so a crash never leaves half written file behind
type Store struct {
	path string

	// nil means plain JSON (local storage flavor)
	sealer *sealer

	mu     sync.RWMutex
	values map[string]string
}

// Open plain JSON store
func Open(path string) (*Store, error) {
	return open(path, "")
}

// Open store sealed with key derived from secret
func OpenSealed(path string, secret string) (*Store, error) {
	if secret == "" {
		return nil, errors.New("secret must not be empty for sealed store")
	}
	return open(path, secret)
}

func open(path string, secret string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("error while reading storage file. Err: %w", err)
	}

	if secret != "" {
		s.sealer, data, err = newSealer(secret, data)
		if err != nil {
			return nil, err
		}
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("error while decoding storage file. Err: %w", err)
		}
	}

	return s, nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

func (s *Store) SetMany(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.values)
	maps.Copy(next, values)

	return s.flush(next)
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.values)
	for _, k := range keys {
		delete(next, k)
	}

	return s.flush(next)
}

// Persist values and swap in-memory copy only if write succeeded
func (s *Store) flush(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("error while encoding storage. Err: %w", err)
	}

	if s.sealer != nil {
		data, err = s.sealer.seal(data)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("error while creating storage dir. Err: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("error while writing temp file. Err: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("error while replacing storage file. Err: %w", err)
	}

	s.values = values
	return nil
}
