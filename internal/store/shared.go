package store

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
)

var (
	sharedMu   sync.Mutex
	sharedByID = map[string]*sharedEntry{}
)

type sharedEntry struct {
	store *Store
	refs  int
}

// OpenShared returns the process-wide store for path, opening it on first
// use. Every caller gets the same *Store and must call Close once; the
// database is closed when the last reference is released.
func OpenShared(path string, logger *log.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if e, ok := sharedByID[abs]; ok {
		e.refs++
		return e.store, nil
	}

	s, err := Open(abs, logger)
	if err != nil {
		return nil, err
	}
	s.shared = true
	sharedByID[abs] = &sharedEntry{store: s, refs: 1}
	return s, nil
}

func releaseShared(s *Store) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to resolve store path: %w", err)
	}
	e, ok := sharedByID[abs]
	if !ok || e.store != s {
		return nil
	}

	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(sharedByID, abs)
	return s.close()
}
