// Package lockfile provides an advisory exclusive lock on a file, shared by
// every process that opens the same path.
//
// The lock is tied to the open file, so it is released by the kernel if the
// holder dies; a stale lock file on disk does not block anyone.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultPoll is how often Lock retries while another holder has the lock.
const DefaultPoll = 50 * time.Millisecond

// errLocked is returned by tryLock when another open file holds the lock.
var errLocked = errors.New("locked by another process")

// Lock is an exclusive lock on one path. A Lock is not reentrant; within a
// process, Lock calls on the same value queue up.
type Lock struct {
	path string
	poll time.Duration

	sem chan struct{}
	f   *os.File
}

// New creates a lock on path. The file is created on first Lock.
func New(path string) *Lock {
	return &Lock{
		path: path,
		poll: DefaultPoll,
		sem:  make(chan struct{}, 1),
	}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Lock blocks until the lock is held or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	f, err := l.open()
	if err != nil {
		<-l.sem
		return err
	}

	for {
		err := tryLock(f)
		if err == nil {
			l.f = f
			l.writeOwner()
			return nil
		}
		if !errors.Is(err, errLocked) {
			_ = f.Close()
			<-l.sem
			return fmt.Errorf("failed to lock %s: %w", l.path, err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			<-l.sem
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Unlock releases the lock. Unlocking a lock that is not held is an error.
func (l *Lock) Unlock() error {
	if l.f == nil {
		return fmt.Errorf("lock %s is not held", l.path)
	}
	f := l.f
	l.f = nil
	defer func() { <-l.sem }()

	err := unlock(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return nil
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	// #nosec G304 - lock path comes from configuration
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f, nil
}

// writeOwner records the holder's pid for humans inspecting the file.
func (l *Lock) writeOwner() {
	if err := l.f.Truncate(0); err != nil {
		return
	}
	_, _ = l.f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
}
