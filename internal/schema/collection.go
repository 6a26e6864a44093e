package schema

import (
	"strings"
	"time"
)

// TimeLayout is the timestamp format written to the remote sheet.
const TimeLayout = "2006-01-02 15:04:05"

// Reserved field names filled from the record itself.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Collection names.
const (
	Sales     = "sales"
	SaleItems = "sale_items"
	DataItems = "data_items"
)

// Column maps one remote column to a record field.
type Column struct {
	Header string
	Field  string
	Kind   Kind
}

// Collection is a local record type mirrored to one remote sub-table (sheet).
type Collection struct {
	// Name is the local collection name stored with each record.
	Name string
	// Sheet is the title of the remote sub-table.
	Sheet string
	// Columns in remote column order. The first column is always the id.
	Columns []Column
	// Required lists fields that must be non-empty.
	Required []string
}

var collections = []Collection{
	{
		Name:  Sales,
		Sheet: "Sales",
		Columns: []Column{
			{Header: "ID", Field: FieldID},
			{Header: "Shop ID", Field: "shop_id"},
			{Header: "Customer ID", Field: "customer_id"},
			{Header: "Total Amount", Field: "total_amount", Kind: KindNumber},
			{Header: "Discount", Field: "discount", Kind: KindNumber},
			{Header: "Paid Amount", Field: "paid_amount", Kind: KindNumber},
			{Header: "Due Amount", Field: "due_amount", Kind: KindNumber},
			{Header: "Total Product", Field: "total_product", Kind: KindInteger},
			{Header: "Total Profit", Field: "total_profit", Kind: KindNumber},
			{Header: "Note", Field: "note"},
			{Header: "Date", Field: "date"},
			{Header: "Created At", Field: FieldCreatedAt, Kind: KindTime},
			{Header: "Updated At", Field: FieldUpdatedAt, Kind: KindTime},
			{Header: "Deleted At", Field: "deleted_at"},
		},
		Required: []string{"shop_id"},
	},
	{
		Name:  SaleItems,
		Sheet: "Sale Items",
		Columns: []Column{
			{Header: "ID", Field: FieldID},
			{Header: "Shop ID", Field: "shop_id"},
			{Header: "Sale ID", Field: "sale_id"},
			{Header: "Product ID", Field: "product_id"},
			{Header: "Product Name", Field: "product_name"},
			{Header: "Purchase Price", Field: "purchase_price", Kind: KindNumber},
			{Header: "Sale Price", Field: "sale_price", Kind: KindNumber},
			{Header: "Qty", Field: "qty", Kind: KindNumber},
			{Header: "Total", Field: "total", Kind: KindNumber},
			{Header: "Profit", Field: "profit", Kind: KindNumber},
			{Header: "Created At", Field: FieldCreatedAt, Kind: KindTime},
			{Header: "Updated At", Field: FieldUpdatedAt, Kind: KindTime},
			{Header: "Deleted At", Field: "deleted_at"},
		},
		Required: []string{"shop_id", "sale_id", "product_id"},
	},
	{
		Name:  DataItems,
		Sheet: "Data Items",
		Columns: []Column{
			{Header: "ID", Field: FieldID},
			{Header: "Title", Field: "title"},
			{Header: "Description", Field: "description"},
			{Header: "Created At", Field: FieldCreatedAt, Kind: KindTime},
			{Header: "Updated At", Field: FieldUpdatedAt, Kind: KindTime},
		},
		Required: []string{"title"},
	},
}

// All returns every known collection in remote sheet order.
func All() []Collection {
	out := make([]Collection, len(collections))
	copy(out, collections)
	return out
}

// Names returns the names of every known collection.
func Names() []string {
	names := make([]string, len(collections))
	for i, c := range collections {
		names[i] = c.Name
	}
	return names
}

// Lookup finds a collection by name.
func Lookup(name string) (Collection, bool) {
	for _, c := range collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Select returns the named collections in remote sheet order. An empty list
// selects everything. Unknown names are reported in the second return value.
func Select(names []string) ([]Collection, []string) {
	if len(names) == 0 {
		return All(), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}

	var out []Collection
	for _, c := range collections {
		if want[c.Name] {
			out = append(out, c)
			delete(want, c.Name)
		}
	}

	var unknown []string
	for n := range want {
		unknown = append(unknown, n)
	}
	return out, unknown
}

// Headers returns the header row of the collection's sheet.
func (c Collection) Headers() []string {
	h := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		h[i] = col.Header
	}
	return h
}

// FieldNames returns the user-editable field names in column order.
func (c Collection) FieldNames() []string {
	var names []string
	for _, col := range c.Columns {
		if col.Field == FieldID || col.Kind == KindTime {
			continue
		}
		names = append(names, col.Field)
	}
	return names
}

// Row serializes a record into the sheet's column order.
func (c Collection) Row(r *Record) []string {
	row := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		switch col.Field {
		case FieldID:
			row[i] = r.ID
		case FieldCreatedAt:
			row[i] = r.CreatedAt.Local().Format(TimeLayout)
		case FieldUpdatedAt:
			row[i] = r.UpdatedAt.Local().Format(TimeLayout)
		default:
			row[i] = col.Kind.render(r.Field(col.Field))
		}
	}
	return row
}

// Rows serializes records in the given order.
func (c Collection) Rows(records []*Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, c.Row(r))
	}
	return rows
}

// HeaderRange is the A1 range of the header row, e.g. 'Data Items'!A1:E1.
func (c Collection) HeaderRange() string {
	last := ColumnLetter(len(c.Columns))
	return c.quotedSheet() + "!A1:" + last + "1"
}

// DataRange is the open-ended A1 range covering every data row,
// e.g. 'Data Items'!A2:E.
func (c Collection) DataRange() string {
	return c.quotedSheet() + "!A2:" + ColumnLetter(len(c.Columns))
}

// DataStart is the A1 anchor where data rows are written.
func (c Collection) DataStart() string {
	return c.quotedSheet() + "!A2"
}

func (c Collection) quotedSheet() string {
	return "'" + strings.ReplaceAll(c.Sheet, "'", "''") + "'"
}

func (c Collection) column(field string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Field == field {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnLetter converts a 1-based column index to its A1 letter (1 → A,
// 27 → AA).
func ColumnLetter(n int) string {
	if n <= 0 {
		return ""
	}
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

// FormatTime renders a timestamp the way it appears in the remote sheet.
func FormatTime(t time.Time) string {
	return t.Local().Format(TimeLayout)
}
