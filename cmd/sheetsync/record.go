package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sheetsync/sheetsync/internal/schema"
	"github.com/sheetsync/sheetsync/internal/store"
	"github.com/sheetsync/sheetsync/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "records",
	Short:   "Create, update, delete and list records",
	Long: `Manage local records. Collections: ` + strings.Join(schema.Names(), ", ") + `.

Fields are given as name=value pairs using the field names shown by
'sheetsync record fields <collection>'. Every write is saved locally and
followed by a sync pass unless --no-sync is set.`,
}

var recordAddCmd = &cobra.Command{
	Use:   "add <collection> [field=value ...]",
	Short: "Create a record",
	Long: `Create a record in a collection.

Without field arguments on an interactive terminal, a form prompts for each
field.

Examples:
  sheetsync record add data_items title=Milk description="2 litres"
  sheetsync record add sales shop_id=s1 total_amount=12.50`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		coll, ok := schema.Lookup(args[0])
		if !ok {
			fatalf("unknown collection %q (want one of %s)", args[0], strings.Join(schema.Names(), ", "))
		}

		fields, err := parseFields(args[1:])
		if err != nil {
			fatalf("%v", err)
		}
		if len(fields) == 0 && term.IsTerminal(int(os.Stdin.Fd())) && !jsonOutput {
			fields, err = promptFields(coll)
			if err != nil {
				fatalf("%v", err)
			}
		}

		a := mustOpenApp()
		defer a.Close()

		ctx := context.Background()
		rec, err := a.repo.Create(ctx, coll.Name, fields)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(rec)
		} else {
			fmt.Printf("%s Created %s in %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(rec.ID), coll.Name)
		}
		noSync, _ := cmd.Flags().GetBool("no-sync")
		a.syncAfterMutation(ctx, noSync)
	},
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update <id> field=value [field=value ...]",
	Short: "Update fields of a record",
	Long: `Merge field values into a record. An empty value (field=) removes the
field. The record becomes unsynced until the next successful pass.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		fields, err := parseFields(args[1:])
		if err != nil {
			fatalf("%v", err)
		}

		a := mustOpenApp()
		defer a.Close()

		ctx := context.Background()
		rec, err := a.repo.Update(ctx, args[0], fields)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(rec)
		} else {
			fmt.Printf("%s Updated %s (revision %d)\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(rec.ID), rec.Revision)
		}
		noSync, _ := cmd.Flags().GetBool("no-sync")
		a.syncAfterMutation(ctx, noSync)
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Long:  `Delete a record locally. The next pass removes its row from the sheet.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		ctx := context.Background()
		if err := a.repo.Delete(ctx, args[0]); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]string{"deleted": args[0]})
		} else {
			fmt.Printf("%s Deleted %s\n", ui.RenderPass(ui.IconPass), args[0])
		}
		noSync, _ := cmd.Flags().GetBool("no-sync")
		a.syncAfterMutation(ctx, noSync)
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list [collection]",
	Short: "List records, newest first",
	Long: `List records ordered by last update, newest first.

--since accepts a timestamp (2024-03-01, 2024-03-01 15:04) or natural
language ("yesterday", "2 hours ago", "last monday").`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		filter := store.Filter{}
		if len(args) == 1 {
			filter.Collection = args[0]
		}
		filter.UnsyncedOnly, _ = cmd.Flags().GetBool("unsynced")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			filter.UpdatedSince = t
		}

		a := mustOpenApp()
		defer a.Close()

		records, err := a.repo.Query(context.Background(), filter)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			if records == nil {
				records = []*schema.Record{}
			}
			outputJSON(records)
			return
		}
		if len(records) == 0 {
			fmt.Println(ui.RenderMuted("No records"))
			return
		}

		rows := make([][]string, 0, len(records))
		for _, r := range records {
			synced := ui.RenderWarn("pending")
			if r.Synced {
				synced = ui.RenderPass("synced")
			}
			rows = append(rows, []string{
				r.ID,
				r.Collection,
				summarize(r),
				schema.FormatTime(r.UpdatedAt),
				synced,
			})
		}
		fmt.Print(ui.Table([]string{"ID", "COLLECTION", "FIELDS", "UPDATED", "STATE"}, rows))
	},
}

var recordShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		rec, err := a.repo.Get(context.Background(), args[0])
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(rec)
			return
		}

		coll, _ := schema.Lookup(rec.Collection)
		fmt.Printf("\n%s %s\n\n", ui.RenderAccent(coll.Sheet), rec.ID)
		row := coll.Row(rec)
		for i, h := range coll.Headers() {
			fmt.Printf("  %-16s %s\n", h+":", row[i])
		}
		state := ui.RenderWarn("pending sync")
		if rec.Synced {
			state = ui.RenderPass("synced")
		}
		fmt.Printf("\n  %-16s %s (revision %d)\n\n", "State:", state, rec.Revision)
	},
}

var recordFieldsCmd = &cobra.Command{
	Use:   "fields <collection>",
	Short: "List the fields of a collection",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		coll, ok := schema.Lookup(args[0])
		if !ok {
			fatalf("unknown collection %q", args[0])
		}
		required := make(map[string]bool, len(coll.Required))
		for _, f := range coll.Required {
			required[f] = true
		}

		var rows [][]string
		for _, col := range editableColumns(coll) {
			req := ""
			if required[col.Field] {
				req = "required"
			}
			rows = append(rows, []string{col.Field, col.Header, col.Kind.String(), req})
		}
		fmt.Print(ui.Table([]string{"FIELD", "HEADER", "KIND", ""}, rows))
	},
}

// parseFields turns name=value arguments into a field map.
func parseFields(args []string) (map[string]string, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid field %q (want name=value)", arg)
		}
		fields[strings.TrimSpace(name)] = value
	}
	return fields, nil
}

// editableColumns returns the columns a user can set directly.
func editableColumns(coll schema.Collection) []schema.Column {
	var cols []schema.Column
	for _, col := range coll.Columns {
		if col.Field == schema.FieldID || col.Kind == schema.KindTime {
			continue
		}
		cols = append(cols, col)
	}
	return cols
}

// promptFields asks for each editable field with an interactive form.
func promptFields(coll schema.Collection) (map[string]string, error) {
	cols := editableColumns(coll)
	values := make([]string, len(cols))
	required := make(map[string]bool, len(coll.Required))
	for _, f := range coll.Required {
		required[f] = true
	}

	inputs := make([]huh.Field, 0, len(cols))
	for i, col := range cols {
		col := col
		title := col.Header
		if required[col.Field] {
			title += " *"
		}
		inputs = append(inputs, huh.NewInput().
			Title(title).
			Description(col.Kind.String()).
			Value(&values[i]).
			Validate(func(s string) error {
				if required[col.Field] && strings.TrimSpace(s) == "" {
					return fmt.Errorf("%s is required", col.Header)
				}
				return nil
			}))
	}

	form := huh.NewForm(huh.NewGroup(inputs...).Title("New " + coll.Sheet + " record"))
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("form cancelled: %w", err)
	}

	fields := make(map[string]string, len(cols))
	for i, col := range cols {
		if v := strings.TrimSpace(values[i]); v != "" {
			fields[col.Field] = v
		}
	}
	return fields, nil
}

// sinceLayouts are tried before natural-language parsing.
var sinceLayouts = []string{
	time.RFC3339,
	schema.TimeLayout,
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseSince resolves a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	for _, layout := range sinceLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: no time expression found", s)
	}
	return r.Time, nil
}

// summarize renders the first few fields of a record for list output.
func summarize(r *schema.Record) string {
	const maxLen = 40
	var parts []string
	for _, name := range r.SortedFieldNames() {
		parts = append(parts, name+"="+r.Fields[name])
	}
	s := strings.Join(parts, " ")
	if len(s) > maxLen {
		s = s[:maxLen-3] + "..."
	}
	return s
}

func init() {
	for _, c := range []*cobra.Command{recordAddCmd, recordUpdateCmd, recordDeleteCmd} {
		c.Flags().Bool("no-sync", false, "skip the sync pass after the write")
	}
	recordListCmd.Flags().String("since", "", "only records updated since this time")
	recordListCmd.Flags().Bool("unsynced", false, "only records not yet synced")
	recordListCmd.Flags().IntP("limit", "n", 0, "maximum number of records (0 = all)")

	recordCmd.AddCommand(recordAddCmd)
	recordCmd.AddCommand(recordUpdateCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordShowCmd)
	recordCmd.AddCommand(recordFieldsCmd)
	rootCmd.AddCommand(recordCmd)
}
