package daemon

import (
	"context"
	"log"
	"os"
	"sync"

	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

// Passer runs one sync pass.
type Passer interface {
	Pass(ctx context.Context, trigger ssync.Trigger) ssync.Result
}

// Trigger is a single-slot coalescing queue in front of a Passer.
//
// At most one request waits while a pass runs. Further requests arriving in
// that window are absorbed: the waiting pass will snapshot the store after
// they committed, so it covers them too.
type Trigger struct {
	passer Passer
	logger *log.Logger

	slot chan ssync.Trigger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu   sync.Mutex
	requested int
	absorbed  int
	ran       int
}

// NewTrigger creates a trigger queue. Call Start to begin processing.
func NewTrigger(p Passer, logger *log.Logger) *Trigger {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		passer: p,
		logger: logger,
		slot:   make(chan ssync.Trigger, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	t.wg.Add(1)
	go t.run()
}

// Stop waits for the running pass (if any) and stops the worker. A pending
// request is dropped; the next periodic pass picks its records up.
func (t *Trigger) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Request asks for a pass without blocking. It returns false if the request
// was absorbed by one already pending.
func (t *Trigger) Request(trigger ssync.Trigger) bool {
	t.statsMu.Lock()
	t.requested++
	t.statsMu.Unlock()

	select {
	case t.slot <- trigger:
		return true
	default:
		t.statsMu.Lock()
		t.absorbed++
		t.statsMu.Unlock()
		return false
	}
}

// TriggerStats counts requests seen by a Trigger.
type TriggerStats struct {
	Requested int `json:"requested"`
	Absorbed  int `json:"absorbed"`
	Ran       int `json:"ran"`
}

// Stats returns request counters.
func (t *Trigger) Stats() TriggerStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return TriggerStats{Requested: t.requested, Absorbed: t.absorbed, Ran: t.ran}
}

func (t *Trigger) run() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case trigger := <-t.slot:
			t.runOne(trigger)
		}
	}
}

func (t *Trigger) runOne(trigger ssync.Trigger) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("ERROR: sync pass (%s) panicked: %v", trigger, r)
		}
	}()

	// Passes are never cancelled midway; Stop waits for this one.
	t.passer.Pass(context.Background(), trigger)

	t.statsMu.Lock()
	t.ran++
	t.statsMu.Unlock()
}
