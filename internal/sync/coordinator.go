package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strings"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/netprobe"
	"github.com/sheetsync/sheetsync/internal/remote"
	"github.com/sheetsync/sheetsync/internal/schema"
	"github.com/sheetsync/sheetsync/internal/store"
)

// DefaultTitle is the title of a newly created remote collection.
const DefaultTitle = "sPOS DATA BASE"

// Store is the part of the record store a pass needs.
type Store interface {
	List(ctx context.Context, collection string) ([]*schema.Record, error)
	MarkSyncedAll(ctx context.Context, marks []store.Mark) (int, error)
}

// HandleStore persists the remote collection handle. Reload re-reads it
// from the medium, which other processes may have written.
type HandleStore interface {
	CollectionID() string
	SetCollectionID(id string) error
	Reload() error
}

// Locker excludes passes run by other processes that share the same store
// and handle file.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// Config holds coordinator settings.
type Config struct {
	// Title of the remote collection created on first sync.
	Title string
	// Collections pushed by each pass, in sub-table order.
	Collections []schema.Collection
	// MaxParallel bounds concurrent sub-table pushes (0 = one per table).
	MaxParallel int
	// Lock is held for the whole pass. Nil means passes are only serialized
	// within this process.
	Lock Locker
	// Logger for pass events. Nil means stderr with a [sync] prefix.
	Logger *log.Logger
}

// DefaultConfig pushes every known collection.
func DefaultConfig() Config {
	return Config{
		Title:       DefaultTitle,
		Collections: schema.All(),
	}
}

// Coordinator runs sync passes.
type Coordinator struct {
	store   Store
	mirror  remote.Mirror
	gate    netprobe.Gate
	handles HandleStore
	cfg     Config
	logger  *log.Logger

	// passMu serializes passes in this process, cfg.Lock across processes;
	// handleMu guards handle resolution.
	passMu   stdsync.Mutex
	handleMu stdsync.Mutex

	hooksMu  stdsync.RWMutex
	hooks    map[int]func(Result)
	nextHook int
	last     *Result
}

// New creates a coordinator.
func New(st Store, mirror remote.Mirror, gate netprobe.Gate, handles HandleStore, cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Title == "" {
		cfg.Title = DefaultTitle
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = schema.All()
	}
	return &Coordinator{
		store:   st,
		mirror:  mirror,
		gate:    gate,
		handles: handles,
		cfg:     cfg,
		logger:  cfg.Logger,
		hooks:   make(map[int]func(Result)),
	}
}

// Collections returns the collections each pass pushes.
func (c *Coordinator) Collections() []schema.Collection {
	return c.cfg.Collections
}

// Handle returns the persisted remote collection handle, or "".
func (c *Coordinator) Handle() remote.Handle {
	return remote.Handle(c.handles.CollectionID())
}

// Pass runs one sync pass and reports its result. It never panics; every
// failure, including a recovered panic, is returned in the Result.
//
// Cancelling ctx only prevents a pass that has not started pushing yet.
func (c *Coordinator) Pass(ctx context.Context, trigger Trigger) Result {
	res := Result{Trigger: trigger, Started: time.Now()}
	c.run(ctx, &res)
	return c.finish(res)
}

func (c *Coordinator) run(ctx context.Context, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("ERROR: sync pass (%s) panicked: %v\n%s", res.Trigger, r, debug.Stack())
			res.Outcome = Failed
			res.Err = recovered("sync pass", r)
		}
	}()

	fail := func(err error) {
		res.Outcome = Failed
		res.Err = err
	}

	if !c.gate.Reachable(ctx) {
		res.Outcome = Skipped
		return
	}

	c.passMu.Lock()
	defer c.passMu.Unlock()

	if c.cfg.Lock != nil {
		if err := c.cfg.Lock.Lock(ctx); err != nil {
			if ctx.Err() != nil {
				res.Outcome = Skipped
				return
			}
			fail(fmt.Errorf("%w: failed to acquire sync lock: %w", fault.ErrStorage, err))
			return
		}
		defer func() {
			if err := c.cfg.Lock.Unlock(); err != nil {
				c.logger.Printf("WARNING: failed to release sync lock: %v", err)
			}
		}()
	}

	if err := ctx.Err(); err != nil {
		res.Outcome = Skipped
		return
	}
	ctx = context.WithoutCancel(ctx)

	handle, created, err := c.resolveHandle(ctx)
	if err != nil {
		fail(err)
		return
	}

	rebuilt := false
	if !created {
		err := c.ensureSheets(ctx, handle)
		if errors.Is(err, fault.ErrCollectionNotFound) {
			c.logger.Printf("Remote collection %s is gone, creating a new one", handle)
			handle, err = c.rebootstrap(ctx, handle)
			rebuilt = true
		}
		if err != nil {
			fail(err)
			return
		}
	}
	res.Handle = handle

	snapshot, err := c.snapshot(ctx)
	if err != nil {
		fail(err)
		return
	}

	res.Tables = c.push(ctx, handle, snapshot)

	if !rebuilt && missing(res.Tables) {
		c.logger.Printf("Remote collection %s is gone, creating a new one", handle)
		handle, err = c.rebootstrap(ctx, handle)
		if err != nil {
			fail(err)
			return
		}
		res.Handle = handle
		res.Tables = c.push(ctx, handle, snapshot)
	}

	if err := c.mark(ctx, snapshot, res.Tables); err != nil {
		fail(err)
		return
	}

	var errs []error
	for _, t := range res.Tables {
		if t.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Collection, t.Err))
		}
	}
	if len(errs) > 0 {
		fail(errors.Join(errs...))
		return
	}

	res.Outcome = Succeeded
}

// resolveHandle returns the persisted handle or creates the remote
// collection and persists its handle. The handle file is re-read first so
// a collection created by another process is reused.
func (c *Coordinator) resolveHandle(ctx context.Context) (h remote.Handle, created bool, err error) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	if err := c.handles.Reload(); err != nil {
		return "", false, fmt.Errorf("%w: failed to reload collection handle: %w", fault.ErrStorage, err)
	}
	if id := c.handles.CollectionID(); id != "" {
		return remote.Handle(id), false, nil
	}
	h, err = c.createLocked(ctx)
	return h, err == nil, err
}

// rebootstrap forgets a handle the remote no longer knows and creates a new
// collection. Another caller may already have replaced it.
func (c *Coordinator) rebootstrap(ctx context.Context, stale remote.Handle) (remote.Handle, error) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	if id := c.handles.CollectionID(); id != "" && id != string(stale) {
		return remote.Handle(id), nil
	}
	return c.createLocked(ctx)
}

func (c *Coordinator) createLocked(ctx context.Context) (remote.Handle, error) {
	h, err := c.mirror.CreateCollection(ctx, c.cfg.Title, c.cfg.Collections)
	if err != nil {
		return "", asRemote(err)
	}

	if err := c.handles.SetCollectionID(string(h)); err != nil {
		return "", fmt.Errorf("%w: failed to persist collection handle %s: %w", fault.ErrStorage, h, err)
	}

	c.logger.Printf("Created remote collection %q (%s)", c.cfg.Title, h)
	return h, nil
}

// ensureSheets adds sub-tables missing from an existing collection, such as
// a collection enabled after the spreadsheet was created.
func (c *Coordinator) ensureSheets(ctx context.Context, h remote.Handle) error {
	added, err := c.mirror.EnsureSheets(ctx, h, c.cfg.Collections)
	if err != nil {
		return asRemote(err)
	}
	if len(added) > 0 {
		c.logger.Printf("Added missing sheets to %s: %s", h, strings.Join(added, ", "))
	}
	return nil
}

type tableSnapshot struct {
	collection schema.Collection
	records    []*schema.Record
}

func (c *Coordinator) snapshot(ctx context.Context) ([]tableSnapshot, error) {
	snap := make([]tableSnapshot, 0, len(c.cfg.Collections))
	for _, coll := range c.cfg.Collections {
		records, err := c.store.List(ctx, coll.Name)
		if err != nil {
			return nil, err
		}
		snap = append(snap, tableSnapshot{collection: coll, records: records})
	}
	return snap, nil
}

// push overwrites every sub-table. A failure in one table does not stop the
// others.
func (c *Coordinator) push(ctx context.Context, h remote.Handle, snap []tableSnapshot) []TableResult {
	results := make([]TableResult, len(snap))

	var g errgroup.Group
	if c.cfg.MaxParallel > 0 {
		g.SetLimit(c.cfg.MaxParallel)
	}

	for i, ts := range snap {
		g.Go(func() error {
			// A panic here would bypass every recover on the caller's goroutine.
			defer func() {
				if r := recover(); r != nil {
					c.logger.Printf("ERROR: overwrite %s panicked: %v\n%s", ts.collection.Name, r, debug.Stack())
					results[i] = TableResult{
						Collection: ts.collection.Name,
						Err:        recovered("overwrite "+ts.collection.Name, r),
					}
				}
			}()

			rows := ts.collection.Rows(ts.records)
			err := c.mirror.Overwrite(ctx, h, ts.collection, rows)
			if err != nil {
				err = asRemote(err)
			}
			results[i] = TableResult{Collection: ts.collection.Name, Rows: len(rows), Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// asRemote makes sure a mirror error is classified as a remote fault.
func asRemote(err error) error {
	if fault.IsRemote(err) {
		return err
	}
	return fmt.Errorf("%w: %w", fault.ErrRemote, err)
}

// recovered converts a panic value into an internal fault.
func recovered(where string, r any) error {
	return fmt.Errorf("%w: %s panicked: %v", fault.ErrInternal, where, r)
}

func missing(tables []TableResult) bool {
	for _, t := range tables {
		if errors.Is(t.Err, fault.ErrCollectionNotFound) {
			return true
		}
	}
	return false
}

// mark flags the snapshot revisions of every successfully pushed table.
func (c *Coordinator) mark(ctx context.Context, snap []tableSnapshot, tables []TableResult) error {
	for i := range tables {
		if tables[i].Err != nil {
			continue
		}

		var marks []store.Mark
		for _, r := range snap[i].records {
			if !r.Synced {
				marks = append(marks, store.Mark{ID: r.ID, Revision: r.Revision})
			}
		}

		n, err := c.store.MarkSyncedAll(ctx, marks)
		if err != nil {
			return err
		}
		tables[i].Marked = n
	}
	return nil
}

func (c *Coordinator) finish(res Result) Result {
	res.Duration = time.Since(res.Started)

	switch res.Outcome {
	case Skipped:
		c.logger.Printf("Sync (%s) skipped: offline", res.Trigger)
	case Succeeded:
		c.logger.Printf("Sync (%s) %s", res.Trigger, res)
	case Failed:
		c.logger.Printf("WARNING: Sync (%s) %s", res.Trigger, res)
	}

	c.hooksMu.Lock()
	last := res
	c.last = &last
	fns := make([]func(Result), 0, len(c.hooks))
	for _, fn := range c.hooks {
		fns = append(fns, fn)
	}
	c.hooksMu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
	return res
}

// OnResult registers fn to receive every pass result, including skipped and
// fire-and-forget passes. The returned function unregisters it.
func (c *Coordinator) OnResult(fn func(Result)) (cancel func()) {
	c.hooksMu.Lock()
	id := c.nextHook
	c.nextHook++
	c.hooks[id] = fn
	c.hooksMu.Unlock()

	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

// LastResult returns the most recent pass result.
func (c *Coordinator) LastResult() (Result, bool) {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}
