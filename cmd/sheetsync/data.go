package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sheetsync/sheetsync/internal/migrate"
	"github.com/sheetsync/sheetsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "advanced",
	Short:   "Export records to JSONL",
	Long: `Write records as JSON lines, one record per line, to stdout or a file.

Examples:
  sheetsync export -o backup.jsonl
  sheetsync export --collection sales > sales.jsonl`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		collection, _ := cmd.Flags().GetString("collection")

		a := mustOpenApp()
		defer a.Close()

		ctx := context.Background()
		if output == "" {
			if _, err := migrate.Export(ctx, a.store, collection, os.Stdout); err != nil {
				fatalf("%v", err)
			}
			return
		}

		n, err := migrate.ExportFile(ctx, a.store, collection, output)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d records to %s\n", ui.RenderPass(ui.IconPass), n, output)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "advanced",
	Short:   "Import records from JSONL",
	Long: `Import records written by 'sheetsync export'. Records with an existing id
are replaced. Every imported record is pending sync; a pass runs afterwards
unless --no-sync or --dry-run is set.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		noSync, _ := cmd.Flags().GetBool("no-sync")

		a := mustOpenApp()
		defer a.Close()

		ctx := context.Background()
		result, err := migrate.Import(ctx, a.store, migrate.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Backup:    backup,
		})
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(result)
		} else {
			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d of %d records\n", ui.RenderPass(ui.IconPass), verb, result.Imported, result.Read)
			if result.BackupCreated != "" {
				fmt.Printf("   Backup: %s\n", result.BackupCreated)
			}
			for _, e := range result.Errors {
				fmt.Printf("   %s %s\n", ui.RenderWarn(ui.IconWarn), e)
			}
		}

		if !dryRun && result.Imported > 0 {
			a.syncAfterMutation(ctx, noSync)
		}
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "advanced",
	Short:   "Delete every local record",
	Long: `Delete every local record. The next sync pass empties the sheets too.
Asks for confirmation on a terminal unless --force is set.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		noSync, _ := cmd.Flags().GetBool("no-sync")

		if !force {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fatalf("refusing to clear without --force on a non-interactive terminal")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Delete every local record?").
				Description("The next sync pass empties the spreadsheet too.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatalf("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		a := mustOpenApp()
		defer a.Close()

		ctx := context.Background()
		if err := a.store.Clear(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Cleared local records\n", ui.RenderPass(ui.IconPass))
		a.syncAfterMutation(ctx, noSync)
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	exportCmd.Flags().String("collection", "", "only export this collection")

	importCmd.Flags().Bool("dry-run", false, "validate without writing")
	importCmd.Flags().Bool("backup", false, "copy the input file aside first")
	importCmd.Flags().Bool("no-sync", false, "skip the sync pass after importing")

	clearCmd.Flags().Bool("force", false, "do not ask for confirmation")
	clearCmd.Flags().Bool("no-sync", false, "skip the sync pass after clearing")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(clearCmd)
}
