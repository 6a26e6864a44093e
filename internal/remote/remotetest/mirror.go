// Package remotetest provides an in-memory remote.Mirror for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/remote"
	"github.com/sheetsync/sheetsync/internal/schema"
)

// Call records one Mirror invocation.
type Call struct {
	Op         string // "create", "ensure" or "overwrite"
	Handle     remote.Handle
	Collection string
	Rows       int
}

// Mirror keeps sub-tables in memory and records every call. Failures can be
// injected per operation and per collection.
type Mirror struct {
	mu sync.Mutex

	tables   map[remote.Handle]map[string][][]string
	headers  map[remote.Handle]map[string][]string
	calls    []Call
	nextID   int
	created  int
	inFlight int
	peak     int

	createErr  error
	collErrs   map[string]error
	panicMsg   string
	delay      time.Duration
	beforeCall func(Call)
}

// New creates an empty fake mirror.
func New() *Mirror {
	return &Mirror{
		tables:   make(map[remote.Handle]map[string][][]string),
		headers:  make(map[remote.Handle]map[string][]string),
		collErrs: make(map[string]error),
	}
}

// FailCreate makes CreateCollection return err (nil clears it).
func (m *Mirror) FailCreate(err error) {
	m.mu.Lock()
	m.createErr = err
	m.mu.Unlock()
}

// FailCollection makes Overwrite of the named collection return err (nil
// clears it).
func (m *Mirror) FailCollection(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.collErrs, name)
		return
	}
	m.collErrs[name] = err
}

// PanicOnOverwrite makes every Overwrite panic with msg ("" clears it).
func (m *Mirror) PanicOnOverwrite(msg string) {
	m.mu.Lock()
	m.panicMsg = msg
	m.mu.Unlock()
}

// SetDelay makes every call sleep first, to widen race windows.
func (m *Mirror) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// BeforeCall registers a hook run at the start of every call, outside the
// mirror's lock.
func (m *Mirror) BeforeCall(fn func(Call)) {
	m.mu.Lock()
	m.beforeCall = fn
	m.mu.Unlock()
}

// Drop deletes a remote collection, so later overwrites report it missing.
func (m *Mirror) Drop(h remote.Handle) {
	m.mu.Lock()
	delete(m.tables, h)
	delete(m.headers, h)
	m.mu.Unlock()
}

// DropSheet deletes one sub-table of a remote collection, so later
// overwrites of it fail until EnsureSheets adds it back.
func (m *Mirror) DropSheet(h remote.Handle, collection string) {
	m.mu.Lock()
	delete(m.tables[h], collection)
	delete(m.headers[h], collection)
	m.mu.Unlock()
}

// CreateCollection implements remote.Mirror.
func (m *Mirror) CreateCollection(ctx context.Context, title string, collections []schema.Collection) (remote.Handle, error) {
	m.enter(Call{Op: "create"})
	defer m.leave()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "create"})
	if m.createErr != nil {
		return "", m.createErr
	}

	m.nextID++
	m.created++
	h := remote.Handle(fmt.Sprintf("fake-%d", m.nextID))
	m.tables[h] = make(map[string][][]string)
	m.headers[h] = make(map[string][]string)
	for _, c := range collections {
		m.tables[h][c.Name] = nil
		m.headers[h][c.Name] = c.Headers()
	}
	return h, nil
}

// EnsureSheets implements remote.Mirror.
func (m *Mirror) EnsureSheets(ctx context.Context, h remote.Handle, collections []schema.Collection) ([]string, error) {
	call := Call{Op: "ensure", Handle: h}
	m.enter(call)
	defer m.leave()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call)
	tables, ok := m.tables[h]
	if !ok {
		return nil, fmt.Errorf("%w: %w: spreadsheet %s", fault.ErrRemote, fault.ErrCollectionNotFound, h)
	}

	var added []string
	for _, c := range collections {
		if _, ok := tables[c.Name]; ok {
			continue
		}
		tables[c.Name] = nil
		m.headers[h][c.Name] = c.Headers()
		added = append(added, c.Name)
	}
	return added, nil
}

// Overwrite implements remote.Mirror.
func (m *Mirror) Overwrite(ctx context.Context, h remote.Handle, coll schema.Collection, rows [][]string) error {
	call := Call{Op: "overwrite", Handle: h, Collection: coll.Name, Rows: len(rows)}
	m.enter(call)
	defer m.leave()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call)
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if err := m.collErrs[coll.Name]; err != nil {
		return err
	}
	tables, ok := m.tables[h]
	if !ok {
		return fmt.Errorf("%w: %w: spreadsheet %s", fault.ErrRemote, fault.ErrCollectionNotFound, h)
	}
	if _, ok := tables[coll.Name]; !ok {
		return fmt.Errorf("%w: unable to parse range %s", fault.ErrRemote, coll.DataRange())
	}

	copied := make([][]string, len(rows))
	for i, r := range rows {
		copied[i] = append([]string(nil), r...)
	}
	tables[coll.Name] = copied
	return nil
}

func (m *Mirror) enter(c Call) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	delay := m.delay
	hook := m.beforeCall
	m.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (m *Mirror) leave() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

// Rows returns the data rows of one sub-table.
func (m *Mirror) Rows(h remote.Handle, collection string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[h][collection]
}

// Headers returns the header row written at creation.
func (m *Mirror) Headers(h remote.Handle, collection string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers[h][collection]
}

// Calls returns every recorded call in order.
func (m *Mirror) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Count returns the number of recorded calls with the given op.
func (m *Mirror) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Created returns how many collections were successfully created.
func (m *Mirror) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// PeakConcurrency returns the highest number of calls ever in flight.
func (m *Mirror) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Reset forgets recorded calls and the concurrency peak.
func (m *Mirror) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.peak = 0
	m.mu.Unlock()
}

var _ remote.Mirror = (*Mirror)(nil)
