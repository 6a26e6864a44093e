// Package remote is the client side of the mirrored spreadsheet.
//
// The client is stateless: it never caches the collection handle. The sync
// coordinator owns handle resolution and persistence.
package remote

import (
	"context"

	"github.com/sheetsync/sheetsync/internal/schema"
)

// Handle identifies a remote collection (a spreadsheet).
type Handle string

// Mirror is the remote tabular store.
type Mirror interface {
	// CreateCollection creates a collection titled title with one sub-table
	// per collection and writes each sub-table's header row. Nothing is
	// persisted locally; the caller stores the returned handle.
	CreateCollection(ctx context.Context, title string, collections []schema.Collection) (Handle, error)

	// EnsureSheets adds the sub-tables of collections missing from an
	// existing collection, header row included, and returns the names of the
	// collections it added.
	EnsureSheets(ctx context.Context, h Handle, collections []schema.Collection) ([]string, error)

	// Overwrite replaces every data row of one sub-table with rows. The
	// header row is left alone. On failure the sub-table contents are
	// undefined.
	Overwrite(ctx context.Context, h Handle, collection schema.Collection, rows [][]string) error
}
