package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON encodes the flat persisted form.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.d)
}

// UnmarshalJSON restores a persisted snapshot.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var d data
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	if d.Resources == nil {
		d.Resources = map[string]int{}
	}
	if d.Buildings == nil {
		d.Buildings = map[string]int{}
	}
	if d.Cooldowns == nil {
		d.Cooldowns = map[string]time.Time{}
	}
	if d.WorkflowPhase == "" {
		d.WorkflowPhase = Idle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = d
	return nil
}

// Save writes the snapshot to path atomically.
func (s *Snapshot) Save(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return WriteFileAtomic(path, b)
}

// Load reads a snapshot. A missing file yields a fresh one.
func Load(path string, defaultResources map[string]int) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(defaultResources), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	s := New(defaultResources)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", path, err)
	}
	return s, nil
}

// WriteFileAtomic writes data to a temp file in the same directory, syncs
// it and renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
