// Package state persists the small amount of configuration the sync engine
// owns, most importantly the remote collection handle.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// File is a YAML-backed key store. Writes go to a temp file that is renamed
// over the original, so a crash never leaves a torn file behind.
type File struct {
	path string

	mu   sync.Mutex
	data document
}

type document struct {
	RemoteCollectionID string `yaml:"remote_collection_id,omitempty"`
}

// Open loads the state file at path. A missing file is an empty state.
func Open(path string) (*File, error) {
	data, err := read(path)
	if err != nil {
		return nil, err
	}
	return &File{path: path, data: data}, nil
}

func read(path string) (document, error) {
	var data document
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return data, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return data, nil
}

// Reload re-reads the file, picking up changes made by other processes. On
// error the cached state is kept.
func (f *File) Reload() error {
	data, err := read(f.path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
	return nil
}

// Path returns the state file location.
func (f *File) Path() string {
	return f.path
}

// CollectionID returns the persisted remote collection handle, or "".
func (f *File) CollectionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.RemoteCollectionID
}

// SetCollectionID persists the remote collection handle.
func (f *File) SetCollectionID(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.data
	f.data.RemoteCollectionID = id
	if err := f.save(); err != nil {
		f.data = prev
		return err
	}
	return nil
}

// Clear forgets the remote collection handle.
func (f *File) Clear() error {
	return f.SetCollectionID("")
}

func (f *File) save() error {
	raw, err := yaml.Marshal(&f.data)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
