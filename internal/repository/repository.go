// Package repository is the public write path for records. Every successful
// mutation is followed by a fire-and-forget sync request.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/schema"
	"github.com/sheetsync/sheetsync/internal/store"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

// Store is the record store as seen by the write path.
type Store interface {
	Upsert(ctx context.Context, r *schema.Record) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*schema.Record, error)
	Query(ctx context.Context, filter store.Filter) ([]*schema.Record, error)
}

// Requester accepts fire-and-forget sync requests.
type Requester interface {
	Request(trigger ssync.Trigger) bool
}

// Passer runs a sync pass and returns its result.
type Passer interface {
	Pass(ctx context.Context, trigger ssync.Trigger) ssync.Result
}

// Repository creates, updates and deletes records.
type Repository struct {
	store   Store
	trigger Requester
	passer  Passer
	now     func() time.Time
}

// New creates a repository. trigger may be nil to disable implicit syncs.
func New(st Store, trigger Requester, passer Passer) *Repository {
	return &Repository{
		store:   st,
		trigger: trigger,
		passer:  passer,
		now:     time.Now,
	}
}

// Create adds a record to a collection.
func (r *Repository) Create(ctx context.Context, collection string, fields map[string]string) (*schema.Record, error) {
	if _, ok := schema.Lookup(collection); !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", fault.ErrInvalidRecord, collection)
	}

	rec := schema.NewRecord(collection, fields, r.now())
	if err := r.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	r.requestSync()
	return rec, nil
}

// Update merges fields into an existing record. An empty value removes the
// field.
func (r *Repository) Update(ctx context.Context, id string, fields map[string]string) (*schema.Record, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for k, v := range fields {
		if v == "" {
			delete(rec.Fields, k)
			continue
		}
		rec.Fields[k] = v
	}

	now := r.now()
	if now.Before(rec.CreatedAt) {
		now = rec.CreatedAt
	}
	rec.Touch(now)

	if err := r.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	r.requestSync()
	return rec, nil
}

// Delete removes a record. It returns fault.ErrRecordNotFound if no such
// record exists.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.store.Get(ctx, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	r.requestSync()
	return nil
}

// Get returns one record.
func (r *Repository) Get(ctx context.Context, id string) (*schema.Record, error) {
	return r.store.Get(ctx, id)
}

// List returns the records of a collection (empty = all), newest first.
func (r *Repository) List(ctx context.Context, collection string) ([]*schema.Record, error) {
	return r.Query(ctx, store.Filter{Collection: collection})
}

// Query returns records matching filter, newest first.
func (r *Repository) Query(ctx context.Context, filter store.Filter) ([]*schema.Record, error) {
	if filter.Collection != "" {
		if _, ok := schema.Lookup(filter.Collection); !ok {
			return nil, fmt.Errorf("%w: unknown collection %q", fault.ErrInvalidRecord, filter.Collection)
		}
	}
	return r.store.Query(ctx, filter)
}

// Sync runs a user-triggered pass and returns its result.
func (r *Repository) Sync(ctx context.Context) ssync.Result {
	return r.passer.Pass(ctx, ssync.TriggerUser)
}

func (r *Repository) requestSync() {
	if r.trigger != nil {
		r.trigger.Request(ssync.TriggerMutation)
	}
}
