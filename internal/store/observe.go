package store

import (
	"context"

	"github.com/sheetsync/sheetsync/internal/schema"
)

// Op identifies the kind of committed change.
type Op string

const (
	OpUpsert     Op = "upsert"
	OpDelete     Op = "delete"
	OpMarkSynced Op = "mark_synced"
	OpClear      Op = "clear"
)

// Change describes one committed mutation. Record is set for OpUpsert only.
// Collection is empty for OpClear.
type Change struct {
	Op         Op
	ID         string
	Collection string
	Record     *schema.Record
}

// IsLocalMutation reports whether the change was made through the write path
// (as opposed to sync bookkeeping).
func (c Change) IsLocalMutation() bool {
	return c.Op == OpUpsert || c.Op == OpDelete
}

// Watch registers fn to be called after every committed change. Hooks run
// synchronously on the writer's goroutine, so they must not block for long.
// The returned function unregisters the hook.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	s.hooksMu.Lock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.hooksMu.Unlock()

	return func() {
		s.hooksMu.Lock()
		delete(s.hooks, id)
		s.hooksMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.hooksMu.RLock()
	fns := make([]func(Change), 0, len(s.hooks))
	for _, fn := range s.hooks {
		fns = append(fns, fn)
	}
	s.hooksMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Observe streams snapshots of a collection (empty = all records), newest
// first. The current snapshot is sent immediately, then a fresh one after
// each relevant change. Bursts of changes are coalesced into one snapshot.
// The channel is closed when ctx is done or a snapshot cannot be read.
func (s *Store) Observe(ctx context.Context, collection string) <-chan []*schema.Record {
	out := make(chan []*schema.Record)
	signal := make(chan struct{}, 1)

	cancel := s.Watch(func(c Change) {
		if collection != "" && c.Collection != "" && c.Collection != collection {
			return
		}
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer cancel()

		for {
			records, err := s.List(ctx, collection)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("observe %q: %v", collection, err)
				}
				return
			}

			select {
			case out <- records:
			case <-ctx.Done():
				return
			}

			select {
			case <-signal:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
