package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/identity"
	"github.com/sheetsync/sheetsync/internal/schema"
)

// valueInputRaw stores values exactly as sent, without formula parsing.
const valueInputRaw = "RAW"

// Sheets is a Mirror backed by the Google Sheets v4 API.
type Sheets struct {
	identity identity.Provider
	opts     []option.ClientOption
}

// NewSheets creates a Sheets client. Extra client options are appended after
// the identity's token source (tests pass WithEndpoint and WithHTTPClient).
func NewSheets(p identity.Provider, opts ...option.ClientOption) *Sheets {
	return &Sheets{identity: p, opts: opts}
}

// URL returns the browser address of a collection.
func URL(h Handle) string {
	return "https://docs.google.com/spreadsheets/d/" + string(h)
}

func (c *Sheets) service(ctx context.Context) (*sheets.Service, error) {
	id, err := c.identity.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve identity: %w", fault.ErrRemote, err)
	}
	if id == nil || id.TokenSource == nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrRemote, fault.ErrUnauthenticated)
	}

	opts := append([]option.ClientOption{option.WithTokenSource(id.TokenSource)}, c.opts...)
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create sheets service: %w", fault.ErrRemote, err)
	}
	return svc, nil
}

// CreateCollection implements Mirror.
func (c *Sheets) CreateCollection(ctx context.Context, title string, collections []schema.Collection) (Handle, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return "", err
	}

	spreadsheet := &sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: title},
	}
	for i, coll := range collections {
		spreadsheet.Sheets = append(spreadsheet.Sheets, &sheets.Sheet{
			Properties: &sheets.SheetProperties{
				Title:   coll.Sheet,
				SheetId: int64(i),
				// SheetId 0 would otherwise be dropped as a zero value.
				ForceSendFields: []string{"SheetId"},
			},
		})
	}

	created, err := svc.Spreadsheets.Create(spreadsheet).Context(ctx).Do()
	if err != nil {
		return "", remoteErr("create spreadsheet", err)
	}
	if created.SpreadsheetId == "" {
		return "", fmt.Errorf("%w: create spreadsheet returned no id", fault.ErrRemote)
	}

	h := Handle(created.SpreadsheetId)
	if err := writeHeaders(ctx, svc, h, collections); err != nil {
		return "", err
	}
	return h, nil
}

// EnsureSheets implements Mirror.
func (c *Sheets) EnsureSheets(ctx context.Context, h Handle, collections []schema.Collection) ([]string, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	got, err := svc.Spreadsheets.Get(string(h)).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, remoteErr("read spreadsheet", err)
	}
	present := make(map[string]bool, len(got.Sheets))
	for _, sh := range got.Sheets {
		if sh.Properties != nil {
			present[sh.Properties.Title] = true
		}
	}

	var absent []schema.Collection
	req := &sheets.BatchUpdateSpreadsheetRequest{}
	for _, coll := range collections {
		if present[coll.Sheet] {
			continue
		}
		absent = append(absent, coll)
		req.Requests = append(req.Requests, &sheets.Request{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: coll.Sheet},
			},
		})
	}
	if len(absent) == 0 {
		return nil, nil
	}

	if _, err := svc.Spreadsheets.BatchUpdate(string(h), req).Context(ctx).Do(); err != nil {
		return nil, remoteErr("add sheets", err)
	}
	if err := writeHeaders(ctx, svc, h, absent); err != nil {
		return nil, err
	}

	names := make([]string, len(absent))
	for i, coll := range absent {
		names[i] = coll.Name
	}
	return names, nil
}

func writeHeaders(ctx context.Context, svc *sheets.Service, h Handle, collections []schema.Collection) error {
	if len(collections) == 0 {
		return nil
	}
	req := &sheets.BatchUpdateValuesRequest{ValueInputOption: valueInputRaw}
	for _, coll := range collections {
		req.Data = append(req.Data, &sheets.ValueRange{
			Range:  coll.HeaderRange(),
			Values: [][]interface{}{toCells(coll.Headers())},
		})
	}
	if _, err := svc.Spreadsheets.Values.BatchUpdate(string(h), req).Context(ctx).Do(); err != nil {
		return remoteErr("write header rows", err)
	}
	return nil
}

// Overwrite implements Mirror.
func (c *Sheets) Overwrite(ctx context.Context, h Handle, coll schema.Collection, rows [][]string) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}

	if _, err := svc.Spreadsheets.Values.Clear(string(h), coll.DataRange(), &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return remoteErr("clear "+coll.Sheet, err)
	}

	if len(rows) == 0 {
		return nil
	}

	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = toCells(row)
	}

	_, err = svc.Spreadsheets.Values.Update(string(h), coll.DataStart(), &sheets.ValueRange{Values: values}).
		ValueInputOption(valueInputRaw).
		Context(ctx).
		Do()
	if err != nil {
		return remoteErr("write "+coll.Sheet, err)
	}
	return nil
}

func toCells(row []string) []interface{} {
	cells := make([]interface{}, len(row))
	for i, v := range row {
		cells[i] = v
	}
	return cells
}

// remoteErr wraps err as a remote fault, adding the specific sentinel for
// missing collections and rejected credentials.
func remoteErr(action string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w: failed to %s: %w", fault.ErrRemote, fault.ErrCollectionNotFound, action, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w: failed to %s: %w", fault.ErrRemote, fault.ErrUnauthenticated, action, err)
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %w: failed to %s: %w", fault.ErrRemote, fault.ErrUnauthenticated, action, err)
	}

	return fmt.Errorf("%w: failed to %s: %w", fault.ErrRemote, action, err)
}
