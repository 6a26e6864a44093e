package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

// UnsyncedCounter reports how many records wait for a push.
type UnsyncedCounter interface {
	CountUnsynced(ctx context.Context) (int, error)
}

// Requester accepts sync requests.
type Requester interface {
	Request(trigger ssync.Trigger) bool
}

// StoreWatcher watches the store's database files for writes made by other
// processes (for example a CLI invocation while the daemon runs) and
// requests a sync when unsynced records appeared.
//
// A pass marking records synced also writes the database, so the watcher
// only requests a pass when there is something left to push.
type StoreWatcher struct {
	dbPath   string
	debounce time.Duration
	counter  UnsyncedCounter
	target   Requester
	logger   *log.Logger

	watcher *fsnotify.Watcher
	events  chan fsnotify.Event

	mu      sync.Mutex
	running bool
	pending time.Time // zero when nothing is queued
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewStoreWatcher creates a watcher for the database at dbPath.
func NewStoreWatcher(dbPath string, debounce time.Duration, counter UnsyncedCounter, target Requester, logger *log.Logger) (*StoreWatcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &StoreWatcher{
		dbPath:   abs,
		debounce: debounce,
		counter:  counter,
		target:   target,
		logger:   logger,
		watcher:  w,
		events:   make(chan fsnotify.Event, 100),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the database directory.
func (sw *StoreWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(sw.dbPath)
	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	sw.running = true
	sw.wg.Add(2)
	go sw.processEvents()
	go sw.processQueue()

	sw.logger.Printf("Watching store: %s", sw.dbPath)
	return nil
}

// Stop stops watching and waits for the goroutines to exit.
func (sw *StoreWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	err := sw.watcher.Close()
	sw.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (sw *StoreWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

// Events returns a copy of every relevant filesystem event, for diagnostics.
// Events are dropped when nobody reads the channel.
func (sw *StoreWatcher) Events() <-chan fsnotify.Event {
	return sw.events
}

func (sw *StoreWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !sw.relevant(event) {
				continue
			}

			sw.mu.Lock()
			sw.pending = time.Now()
			sw.mu.Unlock()

			select {
			case sw.events <- event:
			default:
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Printf("Watcher error: %v", err)
		}
	}
}

// relevant keeps writes to the database and its WAL.
func (sw *StoreWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == sw.dbPath || name == sw.dbPath+"-wal"
}

// processQueue fires once events have been quiet for the debounce interval.
func (sw *StoreWatcher) processQueue() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			sw.flush()
		}
	}
}

func (sw *StoreWatcher) flush() {
	sw.mu.Lock()
	if sw.pending.IsZero() || time.Since(sw.pending) < sw.debounce {
		sw.mu.Unlock()
		return
	}
	sw.pending = time.Time{}
	sw.mu.Unlock()

	n, err := sw.counter.CountUnsynced(context.Background())
	if err != nil {
		sw.logger.Printf("Error counting unsynced records: %v", err)
		return
	}
	if n == 0 {
		return
	}

	sw.logger.Printf("Store changed: %d unsynced records", n)
	sw.target.Request(ssync.TriggerWatcher)
}
