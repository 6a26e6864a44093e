// Package schema provides the record model and the fixed set of domain
// collections that are mirrored to the remote spreadsheet.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sheetsync/sheetsync/internal/fault"
)

// Record is a single domain entity persisted locally and mirrored remotely.
type Record struct {
	// ===== Identification =====
	ID         string `json:"id"`
	Collection string `json:"collection"`

	// ===== Payload =====
	// Fields maps column field names (see Collection.Columns) to scalar values.
	Fields map[string]string `json:"fields"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ===== Sync state =====
	// Synced is true only after a push that included this revision succeeded.
	Synced bool `json:"synced"`
	// Revision increases on every local mutation. A sync pass marks a record
	// synced only if the revision it pushed is still current.
	Revision int64 `json:"revision"`
}

// NewRecord creates an unsynced record with a fresh id.
func NewRecord(collection string, fields map[string]string, now time.Time) *Record {
	return &Record{
		ID:         uuid.New().String(),
		Collection: collection,
		Fields:     cloneFields(fields),
		CreatedAt:  now,
		UpdatedAt:  now,
		Synced:     false,
	}
}

// Touch records a local mutation: UpdatedAt moves forward and the record is
// no longer synced.
func (r *Record) Touch(now time.Time) {
	r.UpdatedAt = now
	r.Synced = false
}

// Field returns the value of a named field, or "" if unset.
func (r *Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = cloneFields(r.Fields)
	return &c
}

// Validate checks the record against its collection definition.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", fault.ErrInvalidRecord)
	}
	coll, ok := Lookup(r.Collection)
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", fault.ErrInvalidRecord, r.Collection)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", fault.ErrInvalidRecord)
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: updated_at is required", fault.ErrInvalidRecord)
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return fmt.Errorf("%w: updated_at precedes created_at", fault.ErrInvalidRecord)
	}

	for _, name := range coll.Required {
		if strings.TrimSpace(r.Field(name)) == "" {
			return fmt.Errorf("%w: %s is required", fault.ErrInvalidRecord, name)
		}
	}

	for name, value := range r.Fields {
		col, ok := coll.column(name)
		if !ok || col.Field == FieldID || col.Kind == KindTime {
			return fmt.Errorf("%w: unknown field %q for collection %s", fault.ErrInvalidRecord, name, coll.Name)
		}
		if err := col.Kind.check(value); err != nil {
			return fmt.Errorf("%w: %s: %v", fault.ErrInvalidRecord, name, err)
		}
	}

	return nil
}

// SortedFieldNames returns the record's field names in lexical order.
func (r *Record) SortedFieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Kind describes how a column value is validated and rendered.
type Kind int

const (
	// KindText accepts any string.
	KindText Kind = iota
	// KindNumber accepts decimal numbers; empty means zero.
	KindNumber
	// KindInteger accepts whole numbers; empty means zero.
	KindInteger
	// KindTime is filled from record timestamps, never from fields.
	KindTime
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

func (k Kind) check(value string) error {
	if value == "" {
		return nil
	}
	switch k {
	case KindNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%q is not a number", value)
		}
	case KindInteger:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("%q is not an integer", value)
		}
	}
	return nil
}

func (k Kind) render(value string) string {
	switch k {
	case KindNumber:
		if value == "" {
			return "0"
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	case KindInteger:
		if value == "" {
			return "0"
		}
	}
	return value
}
