// Package migrate moves records between the local store and JSONL files.
//
// Each line of a JSONL file is one record in its JSON form (see
// schema.Record). Imported records are always stored unsynced so the next
// sync pass mirrors them.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sheetsync/sheetsync/internal/schema"
)

// Lister reads records for export.
type Lister interface {
	List(ctx context.Context, collection string) ([]*schema.Record, error)
}

// Upserter writes imported records.
type Upserter interface {
	Upsert(ctx context.Context, r *schema.Record) error
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Validate without writing
	Backup    bool   // Copy the input file aside before importing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read          int
	Imported      int
	Invalid       int
	BackupCreated string
	Errors        []string
}

// Export writes every record of collection (empty = all) to w, one JSON
// document per line, and returns the number written.
func Export(ctx context.Context, src Lister, collection string, w io.Writer) (int, error) {
	records, err := src.List(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	enc := json.NewEncoder(w)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return i, fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
	}
	return len(records), nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, src Lister, collection, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(f)
	n, err := Export(ctx, src, collection, bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// FromJSONL decodes records from r. Decoding stops at the first malformed
// line.
func FromJSONL(r io.Reader) ([]*schema.Record, error) {
	var records []*schema.Record
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var rec schema.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++
		records = append(records, &rec)
	}

	return records, nil
}

// Import reads a JSONL file and upserts every valid record. Invalid records
// are reported in the result and skipped.
func Import(ctx context.Context, dst Upserter, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	// #nosec G304 - controlled path from CLI
	input, err := os.ReadFile(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	records, err := FromJSONL(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.Read = len(records)

	for _, rec := range records {
		prepare(rec)
		if err := rec.Validate(); err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}

		if !opts.DryRun {
			if err := dst.Upsert(ctx, rec); err != nil {
				return result, fmt.Errorf("failed to import record %s: %w", rec.ID, err)
			}
		}
		result.Imported++
	}

	return result, nil
}

// prepare fills defaults and clears sync state so the record is mirrored on
// the next pass.
func prepare(rec *schema.Record) {
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Synced = false
	rec.Revision = 0
}
