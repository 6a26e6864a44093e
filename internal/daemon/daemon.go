// Package daemon runs sync passes in the background.
//
// The daemon:
// 1. Serves fire-and-forget sync requests through a coalescing Trigger
// 2. Runs the periodic sync job (every 15 minutes, network required)
// 3. Watches the store files for writes from other processes
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sheetsync/sheetsync/internal/netprobe"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval between periodic sync slots.
	Interval time.Duration

	// Retry bounds retries of a failed periodic slot.
	Retry RetryPolicy

	// DebounceInterval is how long store writes must be quiet before the
	// watcher requests a sync. This batches rapid updates together.
	DebounceInterval time.Duration

	// WatchStore enables the store file watcher.
	WatchStore bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         15 * time.Minute,
		Retry:            DefaultRetryPolicy(),
		DebounceInterval: 500 * time.Millisecond,
		WatchStore:       true,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Store is what the daemon needs from the record store.
type Store interface {
	UnsyncedCounter
	Path() string
}

// Daemon wires the trigger queue, the scheduler and the store watcher.
type Daemon struct {
	passer Passer
	store  Store
	config *Config

	trigger   *Trigger
	scheduler *Scheduler
	watcher   *StoreWatcher

	mu      sync.Mutex
	started bool
}

// New creates a daemon with default configuration.
func New(p Passer, st Store, gate netprobe.Gate) (*Daemon, error) {
	return NewWithConfig(p, st, gate, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(p Passer, st Store, gate netprobe.Gate, config *Config) (*Daemon, error) {
	if p == nil {
		return nil, fmt.Errorf("passer cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	d := &Daemon{
		passer:    p,
		store:     st,
		config:    config,
		trigger:   NewTrigger(p, config.Logger),
		scheduler: NewScheduler(gate, config.Retry, config.Logger),
	}

	if config.WatchStore {
		w, err := NewStoreWatcher(st.Path(), config.DebounceInterval, st, d.trigger, config.Logger)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}

	return d, nil
}

// Trigger returns the request queue used for fire-and-forget syncs.
func (d *Daemon) Trigger() *Trigger {
	return d.trigger
}

// Scheduler returns the periodic job scheduler.
func (d *Daemon) Scheduler() *Scheduler {
	return d.scheduler
}

// SetRetryPolicy updates the periodic retry policy of a running daemon.
func (d *Daemon) SetRetryPolicy(p RetryPolicy) {
	d.scheduler.SetRetryPolicy(p)
}

// Start begins the daemon's operation and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.Run(); err != nil {
		return err
	}

	<-ctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	return d.Stop()
}

// Run starts the background goroutines without blocking.
func (d *Daemon) Run() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("daemon already started")
	}

	d.config.Logger.Println("Starting daemon")
	d.trigger.Start()

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.trigger.Stop()
			return fmt.Errorf("failed to start store watcher: %w", err)
		}
	}

	_, err := d.scheduler.Enqueue(Job{
		Name:           SyncJobName,
		Interval:       d.config.Interval,
		RequireNetwork: true,
		RunOnStart:     true,
		Run:            SyncJob(d.passer),
	})
	if err != nil {
		if d.watcher != nil {
			_ = d.watcher.Stop()
		}
		d.trigger.Stop()
		return fmt.Errorf("failed to schedule sync job: %w", err)
	}

	d.started = true
	return nil
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	d.config.Logger.Println("Stopping daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.scheduler.Stop()
	d.trigger.Stop()

	d.config.Logger.Println("Daemon stopped")
	return nil
}
