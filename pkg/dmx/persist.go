// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

// Store persists non-volatile parameter values across restarts. Save is
// called from the bus task's idle periods, one parameter at a time, so an
// implementation may write synchronously.
type Store interface {
	// Load returns the stored value of pid, or nil if none is stored.
	Load(pid rdm.PID) ([]byte, error)

	// Save stores the value of pid.
	Save(pid rdm.PID, value []byte) error
}

// MemoryStore keeps parameter values in memory. Useful for tests and for
// ports that want staging semantics without a backing file.
type MemoryStore struct {
	mu     sync.Mutex
	values map[uint16][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[uint16][]byte)}
}

// Load returns the stored value of pid.
func (s *MemoryStore) Load(pid rdm.PID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[uint16(pid)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Save stores the value of pid.
func (s *MemoryStore) Save(pid rdm.PID, value []byte) error {
	s.mu.Lock()
	s.values[uint16(pid)] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

// FileStore persists parameter values as a CBOR map in a single file.
// Writes go through a temp file and rename so a torn write cannot lose
// the previous image.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[uint16][]byte
}

// OpenFileStore opens or creates the store at path.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[uint16][]byte)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter store: %w", err)
	}
	if len(raw) > 0 {
		if err := cbor.Unmarshal(raw, &s.values); err != nil {
			return nil, fmt.Errorf("failed to decode parameter store: %w", err)
		}
	}
	return s, nil
}

// Load returns the stored value of pid.
func (s *FileStore) Load(pid rdm.PID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[uint16(pid)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Save stores the value of pid and rewrites the backing file.
func (s *FileStore) Save(pid rdm.PID, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[uint16(pid)] = append([]byte(nil), value...)

	raw, err := cbor.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("failed to encode parameter store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".params-*")
	if err != nil {
		return fmt.Errorf("failed to stage parameter store: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write parameter store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close parameter store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace parameter store: %w", err)
	}
	return nil
}
