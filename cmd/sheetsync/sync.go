package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sheetsync/sheetsync/internal/remote"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
	"github.com/sheetsync/sheetsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run a sync pass now",
	Long: `Push every enabled collection to the spreadsheet and mark the pushed
records as synced.

The pass:
  1. Skips when the network is unreachable (exit status 0)
  2. Creates the spreadsheet on first use and remembers its id
  3. Overwrites each sheet with the full local table
  4. Marks records synced if they did not change during the push

Exits with status 1 if the pass failed.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		if !jsonOutput {
			fmt.Printf("%s Syncing %d collections...\n", ui.RenderAccent("↻"), len(a.coord.Collections()))
		}

		res := a.repo.Sync(context.Background())
		if jsonOutput {
			outputJSON(res)
		} else {
			printResult(res)
		}
		if res.Outcome == ssync.Failed {
			a.Close()
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local record counts and the remote spreadsheet",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		ctx := context.Background()
		stats, err := a.store.Stats(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		id, err := a.identity.Current(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		account := ""
		if id != nil {
			account = id.Account
			if account == "" {
				account = "(unnamed)"
			}
		}

		handle := a.coord.Handle()

		if jsonOutput {
			out := map[string]interface{}{
				"collections": stats,
				"handle":      string(handle),
				"signed_in":   id != nil,
				"account":     account,
				"db_path":     a.cfg.DBPath,
			}
			if handle != "" {
				out["url"] = remote.URL(handle)
			}
			outputJSON(out)
			return
		}

		fmt.Printf("\n%s sheetsync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Store: %s\n", a.cfg.DBPath)
		if id != nil {
			fmt.Printf("Account: %s\n", account)
		} else {
			fmt.Printf("Account: %s\n", ui.RenderWarn("not signed in (run 'sheetsync auth import')"))
		}
		if handle != "" {
			fmt.Printf("Spreadsheet: %s\n", remote.URL(handle))
		} else {
			fmt.Printf("Spreadsheet: %s\n", ui.RenderMuted("not created yet"))
		}
		fmt.Println()

		rows := make([][]string, 0, len(stats))
		for _, s := range stats {
			pending := fmt.Sprint(s.Unsynced)
			if s.Unsynced > 0 {
				pending = ui.RenderWarn(pending)
			}
			rows = append(rows, []string{s.Collection, fmt.Sprint(s.Total), pending})
		}
		fmt.Print(ui.Table([]string{"COLLECTION", "RECORDS", "PENDING"}, rows))
		fmt.Println()
	},
}

func printResult(res ssync.Result) {
	printResultLine(res)
	for _, t := range res.Tables {
		if t.Err != nil {
			fmt.Printf("   %s %s: %v\n", ui.RenderFail(ui.IconFail), t.Collection, t.Err)
			continue
		}
		fmt.Printf("   %s %s: %d rows, %d marked\n", ui.RenderPass(ui.IconPass), t.Collection, t.Rows, t.Marked)
	}
	if res.Handle != "" {
		fmt.Printf("   Spreadsheet: %s\n", remote.URL(res.Handle))
	}
	if res.Outcome == ssync.Failed && res.Fault() == "remote" {
		fmt.Printf("   %s\n", ui.RenderMuted("Records stay pending and are retried on the next pass."))
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
