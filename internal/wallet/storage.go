package wallet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Storage is the persistent container backing a wallet: a flat map of named
// sections, each an opaque JSON value. The wallet layer defines the schema
// (see the keys in wallet.go); Storage only guarantees atomic persistence.
type Storage struct {
	Data map[string]json.RawMessage

	location string
	readOnly bool
	closed   bool
}

// OpenStorage reads an existing wallet file into memory. The file must have
// been created by CreateStorage (or an equivalent writer of the same format).
func OpenStorage(location string, readOnly bool) (*Storage, error) {
	raw, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", location, err)
	}
	data := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("storage: parse %s: %w", location, err)
	}
	return &Storage{Data: data, location: location, readOnly: readOnly}, nil
}

// CreateStorage creates an empty storage at the given location. It refuses to
// clobber an existing file.
func CreateStorage(location string) (*Storage, error) {
	if _, err := os.Stat(location); err == nil {
		return nil, fmt.Errorf("storage: %s already exists", location)
	}
	s := &Storage{Data: make(map[string]json.RawMessage), location: location}
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryStorage returns a storage that never touches disk. Save serializes
// (so schema errors still surface) but discards the result. Used by tests and
// by ephemeral wallets.
func NewMemoryStorage() *Storage {
	return &Storage{Data: make(map[string]json.RawMessage)}
}

// Save atomically persists the current data. Either the previous file content
// or the new content is visible after a crash, never a partial write: the blob
// is written to a temp file in the same directory and renamed over the target.
func (s *Storage) Save() error {
	if s.readOnly {
		return ErrStorageReadOnly
	}
	if s.closed {
		return fmt.Errorf("storage: save after close")
	}

	blob, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	if s.location == "" {
		return nil
	}

	dir := filepath.Dir(s.location)
	tmp, err := os.CreateTemp(dir, ".wallet-*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.location); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

// ReadOnly reports whether Save is permitted.
func (s *Storage) ReadOnly() bool { return s.readOnly }

// Location returns the backing file path, or "" for in-memory storage.
func (s *Storage) Location() string { return s.location }

// Close marks the storage unusable for further saves.
func (s *Storage) Close() error {
	s.closed = true
	return nil
}

// getSection unmarshals a named section into out; missing sections are left
// at the zero value without error.
func (s *Storage) getSection(key string, out interface{}) error {
	raw, ok := s.Data[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("storage: section %q: %w", key, err)
	}
	return nil
}

// setSection marshals v into the named section.
func (s *Storage) setSection(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: section %q: %w", key, err)
	}
	s.Data[key] = raw
	return nil
}
