// Package store provides the durable local record store.
//
// Records live in a single SQLite database (ncruces/go-sqlite3, embedded
// WASM build) opened in WAL mode so readers never block the writer.
//
// Architecture:
//   - Database file: <data-dir>/records.db
//   - Schema: one records table, fields kept as a JSON object
//   - Every local mutation bumps the record's revision and clears synced
//   - MarkSynced only succeeds for the revision a sync pass pushed
//
// Observers registered with Watch are called synchronously after each
// commit, before the writing call returns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/schema"
)

// timeFormat is fixed-width UTC so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store wraps the SQLite connection holding local records.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	// writeMu serializes mutations so revisions increase monotonically.
	writeMu sync.Mutex

	hooksMu  sync.RWMutex
	hooks    map[int]func(Change)
	nextHook int

	// set for handles returned by OpenShared
	shared bool
}

// Open creates or opens the record store at path and initializes the schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "records.db"), nil)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageErr("ping database", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
		hooks:  make(map[int]func(Change)),
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database. Closing a shared
// handle only releases one reference.
func (s *Store) Close() error {
	if s.shared {
		return releaseShared(s)
	}
	return s.close()
}

func (s *Store) close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return storageErr("close database", err)
	}

	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',  -- JSON object
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		revision INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_records_collection_updated
	    ON records(collection, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_unsynced
	    ON records(synced) WHERE synced = 0;
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return storageErr("initialize schema", err)
	}
	return nil
}

// Upsert inserts a record or fully replaces the stored one with the same id.
//
// The stored record is always unsynced and its revision is one higher than
// before. r is updated in place with the new revision.
func (s *Store) Upsert(ctx context.Context, r *schema.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	s.writeMu.Lock()
	var revision int64
	err = s.conn.QueryRowContext(ctx, `
	INSERT INTO records (id, collection, fields, created_at, updated_at, synced, revision)
	VALUES (?, ?, ?, ?, ?, 0, 1)
	ON CONFLICT(id) DO UPDATE SET
		collection = excluded.collection,
		fields = excluded.fields,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		synced = 0,
		revision = records.revision + 1
	RETURNING revision
	`,
		r.ID,
		r.Collection,
		string(fieldsJSON),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	).Scan(&revision)
	s.writeMu.Unlock()
	if err != nil {
		return storageErr("upsert record "+r.ID, err)
	}

	r.Revision = revision
	r.Synced = false

	s.notify(Change{Op: OpUpsert, ID: r.ID, Collection: r.Collection, Record: r.Clone()})
	return nil
}

// Delete removes a record by id. Deleting a missing record is a no-op and
// notifies nobody.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	var collection string
	err := s.conn.QueryRowContext(ctx,
		`DELETE FROM records WHERE id = ? RETURNING collection`, id).Scan(&collection)
	s.writeMu.Unlock()
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storageErr("delete record "+id, err)
	}

	s.notify(Change{Op: OpDelete, ID: id, Collection: collection})
	return nil
}

// Mark identifies the exact revision of a record a sync pass pushed.
type Mark struct {
	ID       string
	Revision int64
}

// MarkSynced sets synced=true for one record if the stored revision still
// matches. It reports whether the record was marked. A record deleted or
// modified since the snapshot is left alone.
func (s *Store) MarkSynced(ctx context.Context, id string, revision int64) (bool, error) {
	n, err := s.MarkSyncedAll(ctx, []Mark{{ID: id, Revision: revision}})
	return n == 1, err
}

// MarkSyncedAll applies MarkSynced to a batch in one transaction and returns
// the number of records marked.
func (s *Store) MarkSyncedAll(ctx context.Context, marks []Mark) (int, error) {
	if len(marks) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	changes, err := s.markSyncedTx(ctx, marks)
	s.writeMu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, c := range changes {
		s.notify(c)
	}
	return len(changes), nil
}

func (s *Store) markSyncedTx(ctx context.Context, marks []Mark) ([]Change, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	UPDATE records SET synced = 1
	WHERE id = ? AND revision = ? AND synced = 0
	RETURNING collection
	`)
	if err != nil {
		return nil, storageErr("prepare mark synced", err)
	}
	defer stmt.Close()

	var changes []Change
	for _, m := range marks {
		var collection string
		err := stmt.QueryRowContext(ctx, m.ID, m.Revision).Scan(&collection)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, storageErr("mark record "+m.ID+" synced", err)
		}
		changes = append(changes, Change{Op: OpMarkSynced, ID: m.ID, Collection: collection})
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit transaction", err)
	}
	return changes, nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	_, err := s.conn.ExecContext(ctx, `DELETE FROM records`)
	s.writeMu.Unlock()
	if err != nil {
		return storageErr("clear records", err)
	}

	s.notify(Change{Op: OpClear})
	return nil
}

// Get retrieves a single record by id. It returns fault.ErrRecordNotFound if
// the record does not exist.
func (s *Store) Get(ctx context.Context, id string) (*schema.Record, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, collection, fields, created_at, updated_at, synced, revision
	FROM records WHERE id = ?
	`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", fault.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get record "+id, err)
	}
	return r, nil
}

// Filter narrows List queries.
type Filter struct {
	// Collection restricts results to one collection (empty = all).
	Collection string
	// UnsyncedOnly returns only records with synced=false.
	UnsyncedOnly bool
	// UpdatedSince returns only records updated at or after this instant.
	UpdatedSince time.Time
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// List returns the records of a collection ordered by updatedAt descending.
// An empty collection lists every record.
func (s *Store) List(ctx context.Context, collection string) ([]*schema.Record, error) {
	return s.Query(ctx, Filter{Collection: collection})
}

// ListUnsynced returns records with synced=false, newest first.
func (s *Store) ListUnsynced(ctx context.Context, collection string) ([]*schema.Record, error) {
	return s.Query(ctx, Filter{Collection: collection, UnsyncedOnly: true})
}

// Query returns records matching the filter ordered by updatedAt descending.
func (s *Store) Query(ctx context.Context, filter Filter) ([]*schema.Record, error) {
	var conditions []string
	var args []interface{}

	if filter.Collection != "" {
		conditions = append(conditions, "collection = ?")
		args = append(args, filter.Collection)
	}
	if filter.UnsyncedOnly {
		conditions = append(conditions, "synced = 0")
	}
	if !filter.UpdatedSince.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, formatTime(filter.UpdatedSince))
	}

	query := `
	SELECT id, collection, fields, created_at, updated_at, synced, revision
	FROM records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var records []*schema.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate records", err)
	}
	return records, nil
}

// CountUnsynced returns the number of records waiting to be pushed.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE synced = 0").Scan(&count)
	if err != nil {
		return 0, storageErr("count unsynced records", err)
	}
	return count, nil
}

// CollectionStats summarizes one collection.
type CollectionStats struct {
	Collection string `json:"collection"`
	Total      int    `json:"total"`
	Unsynced   int    `json:"unsynced"`
}

// Stats returns per-collection record counts for every known collection.
func (s *Store) Stats(ctx context.Context) ([]CollectionStats, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT collection, COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0)
	FROM records GROUP BY collection
	`)
	if err != nil {
		return nil, storageErr("query stats", err)
	}
	defer rows.Close()

	counts := make(map[string]CollectionStats)
	for rows.Next() {
		var cs CollectionStats
		if err := rows.Scan(&cs.Collection, &cs.Total, &cs.Unsynced); err != nil {
			return nil, storageErr("scan stats", err)
		}
		counts[cs.Collection] = cs
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate stats", err)
	}

	var out []CollectionStats
	for _, name := range schema.Names() {
		cs := counts[name]
		cs.Collection = name
		out = append(out, cs)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*schema.Record, error) {
	var r schema.Record
	var fieldsJSON, createdAt, updatedAt string
	var synced int

	if err := sc.Scan(&r.ID, &r.Collection, &fieldsJSON, &createdAt, &updatedAt, &synced, &r.Revision); err != nil {
		return nil, err
	}

	r.Fields = map[string]string{}
	if fieldsJSON != "" && fieldsJSON != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields of %s: %w", r.ID, err)
		}
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", r.ID, err)
	}
	r.Synced = synced != 0

	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.Local(), nil
}

func storageErr(action string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", fault.ErrStorage, action, err)
}
