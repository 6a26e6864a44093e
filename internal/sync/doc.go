// Package sync runs sync passes that mirror the local record store to the
// remote spreadsheet.
//
// # Overview
//
// A pass takes the full record set of every collection and overwrites the
// matching remote sub-table with it. Records are marked synced only after
// the push that carried them succeeded.
//
// Architecture
//
//	trigger (user | mutation | periodic | watcher)
//	     ↓
//	Connectivity gate ── unreachable ──→ Skipped
//	     ↓
//	Resolve handle (state file, else CreateCollection)
//	     ↓
//	Snapshot every collection (store.List)
//	     ↓
//	Overwrite each sub-table concurrently (errgroup)
//	     ↓
//	MarkSyncedAll with snapshot revisions (succeeded sub-tables only)
//	     ↓
//	Result (Succeeded | Failed) → OnResult hooks
//
// Usage
//
//	coord := sync.New(st, mirror, gate, handles, sync.DefaultConfig())
//	res := coord.Pass(ctx, sync.TriggerUser)
//	if res.Outcome == sync.Failed {
//	    fmt.Println("sync failed:", res.Err)
//	}
//
// # Concurrency
//
// At most one pass pushes at a time; a second caller waits for the first to
// finish and then runs its own pass against a fresh snapshot. Handle
// resolution is a critical section, so concurrent first passes create a
// single remote collection. With Config.Lock set, the same holds across
// processes sharing the store: the lock is held for the whole pass and the
// persisted handle is re-read under it. Once a pass has started it runs to
// completion even if the caller's context is cancelled.
//
// A panic inside a pass, including one raised by a concurrent sub-table
// push, is recovered and reported as a failed pass wrapping
// fault.ErrInternal.
package sync
