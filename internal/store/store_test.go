package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/schema"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newItem(t *testing.T, title string, at time.Time) *schema.Record {
	t.Helper()
	return schema.NewRecord(schema.DataItems, map[string]string{"title": title}, at)
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := setupTestStore(t)

	var count int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='records'`).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Error("records table does not exist")
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	r := newItem(t, "Milk", now)
	r.Fields["description"] = "2L"
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if r.Revision != 1 {
		t.Errorf("Revision = %d, want 1", r.Revision)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Field("title") != "Milk" || got.Field("description") != "2L" {
		t.Errorf("fields = %v", got.Fields)
	}
	if got.Synced {
		t.Error("upserted record should be unsynced")
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}

	r.Fields = map[string]string{"title": "Bread"}
	r.Touch(now.Add(time.Second))
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatalf("second Upsert() failed: %v", err)
	}
	if r.Revision != 2 {
		t.Errorf("Revision = %d, want 2", r.Revision)
	}

	got, _ = s.Get(ctx, r.ID)
	if got.Field("title") != "Bread" {
		t.Errorf("title = %q, want Bread", got.Field("title"))
	}
	if _, ok := got.Fields["description"]; ok {
		t.Error("Upsert should fully replace fields")
	}
}

func TestUpsert_Invalid(t *testing.T) {
	s := setupTestStore(t)
	r := schema.NewRecord(schema.DataItems, nil, time.Now())

	err := s.Upsert(context.Background(), r)
	if !errors.Is(err, fault.ErrInvalidRecord) {
		t.Fatalf("Upsert() error = %v, want ErrInvalidRecord", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, fault.ErrRecordNotFound) {
		t.Fatalf("Get() error = %v, want ErrRecordNotFound", err)
	}
}

func TestList_OrderedByUpdatedDesc(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	titles := []string{"first", "second", "third"}
	for i, title := range titles {
		if err := s.Upsert(ctx, newItem(t, title, base.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatal(err)
		}
	}
	sale := schema.NewRecord(schema.Sales, map[string]string{"shop_id": "s1"}, base.Add(time.Hour))
	if err := s.Upsert(ctx, sale); err != nil {
		t.Fatal(err)
	}

	items, err := s.List(ctx, schema.DataItems)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(items))
	}
	for i, want := range []string{"third", "second", "first"} {
		if items[i].Field("title") != want {
			t.Errorf("items[%d] = %q, want %q", i, items[i].Field("title"), want)
		}
	}

	all, _ := s.List(ctx, "")
	if len(all) != 4 || all[0].ID != sale.ID {
		t.Errorf("List(all) = %d records, first %v", len(all), all[0].ID)
	}
}

func TestQuery_UpdatedSince(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	_ = s.Upsert(ctx, newItem(t, "old", base.Add(-48*time.Hour)))
	_ = s.Upsert(ctx, newItem(t, "new", base))

	got, err := s.Query(ctx, Filter{UpdatedSince: base.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Field("title") != "new" {
		t.Errorf("Query(UpdatedSince) = %v", got)
	}
}

func TestMarkSynced(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newItem(t, "Milk", time.Now())
	_ = s.Upsert(ctx, r)

	ok, err := s.MarkSynced(ctx, r.ID, r.Revision)
	if err != nil || !ok {
		t.Fatalf("MarkSynced() = %v, %v; want true, nil", ok, err)
	}
	got, _ := s.Get(ctx, r.ID)
	if !got.Synced {
		t.Error("record should be synced")
	}

	unsynced, _ := s.ListUnsynced(ctx, "")
	if len(unsynced) != 0 {
		t.Errorf("ListUnsynced() = %d, want 0", len(unsynced))
	}
}

func TestMarkSynced_LaterMutationWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newItem(t, "Milk", time.Now())
	_ = s.Upsert(ctx, r)
	pushed := r.Revision

	r.Fields["title"] = "Oat milk"
	r.Touch(time.Now())
	_ = s.Upsert(ctx, r)

	ok, err := s.MarkSynced(ctx, r.ID, pushed)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("MarkSynced with a stale revision should not mark")
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Synced {
		t.Error("record mutated after snapshot must stay unsynced")
	}
}

func TestMarkSynced_DeletedRecord(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newItem(t, "Milk", time.Now())
	_ = s.Upsert(ctx, r)
	_ = s.Delete(ctx, r.ID)

	ok, err := s.MarkSynced(ctx, r.ID, r.Revision)
	if err != nil || ok {
		t.Fatalf("MarkSynced() on deleted = %v, %v; want false, nil", ok, err)
	}
	if _, err := s.Get(ctx, r.ID); !errors.Is(err, fault.ErrRecordNotFound) {
		t.Error("MarkSynced must not resurrect a deleted record")
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := newItem(t, "a", time.Now())
	b := newItem(t, "b", time.Now())
	_ = s.Upsert(ctx, a)
	_ = s.Upsert(ctx, b)

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := s.Delete(ctx, a.ID); err != nil {
		t.Errorf("Delete() of missing record should be a no-op, got %v", err)
	}

	all, _ := s.List(ctx, "")
	if len(all) != 1 || all[0].ID != b.ID {
		t.Errorf("after delete List() = %v", all)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	all, _ = s.List(ctx, "")
	if len(all) != 0 {
		t.Errorf("after clear List() = %d records", len(all))
	}
}

func TestStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := newItem(t, "a", time.Now())
	_ = s.Upsert(ctx, a)
	_ = s.Upsert(ctx, newItem(t, "b", time.Now()))
	_, _ = s.MarkSynced(ctx, a.ID, a.Revision)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != len(schema.Names()) {
		t.Fatalf("Stats() = %d entries, want %d", len(stats), len(schema.Names()))
	}
	for _, cs := range stats {
		if cs.Collection == schema.DataItems && (cs.Total != 2 || cs.Unsynced != 1) {
			t.Errorf("data_items stats = %+v", cs)
		}
		if cs.Collection == schema.Sales && cs.Total != 0 {
			t.Errorf("sales stats = %+v", cs)
		}
	}

	n, _ := s.CountUnsynced(ctx)
	if n != 1 {
		t.Errorf("CountUnsynced() = %d, want 1", n)
	}
}

func TestWatch_CalledBeforeWriterReturns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var ops []Op
	cancel := s.Watch(func(c Change) {
		mu.Lock()
		ops = append(ops, c.Op)
		mu.Unlock()
	})

	r := newItem(t, "a", time.Now())
	_ = s.Upsert(ctx, r)

	mu.Lock()
	if len(ops) != 1 || ops[0] != OpUpsert {
		t.Errorf("ops after Upsert = %v", ops)
	}
	mu.Unlock()

	_, _ = s.MarkSynced(ctx, r.ID, r.Revision)
	_ = s.Delete(ctx, r.ID)
	cancel()
	_ = s.Clear(ctx)

	mu.Lock()
	defer mu.Unlock()
	want := []Op{OpUpsert, OpMarkSynced, OpDelete}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %v, want %v", i, ops[i], want[i])
		}
	}
}

func TestObserve(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := s.Observe(ctx, schema.DataItems)

	first := <-snapshots
	if len(first) != 0 {
		t.Fatalf("initial snapshot = %d records, want 0", len(first))
	}

	if err := s.Upsert(context.Background(), newItem(t, "a", time.Now())); err != nil {
		t.Fatal(err)
	}

	select {
	case snap := <-snapshots:
		if len(snap) != 1 || snap[0].Field("title") != "a" {
			t.Errorf("snapshot = %v", snap)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for snapshot")
	}

	cancel()
	for range snapshots {
	}
}

func TestOpenShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := OpenShared(path, nil)
	if err != nil {
		t.Fatalf("OpenShared() failed: %v", err)
	}
	b, err := OpenShared(path, nil)
	if err != nil {
		t.Fatalf("second OpenShared() failed: %v", err)
	}
	if a != b {
		t.Fatal("OpenShared should return the same store")
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CountUnsynced(context.Background()); err != nil {
		t.Errorf("store closed while still referenced: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	c, err := OpenShared(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c == a {
		t.Error("store should be reopened after last release")
	}
}
