package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheetsync/sheetsync/internal/ui"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "sync",
	Short:   "Manage the Google account used for sync",
}

var authImportCmd = &cobra.Command{
	Use:   "import <token.json|->",
	Short: "Import an OAuth2 token",
	Long: `Import an OAuth2 token for the Sheets API (scope
https://www.googleapis.com/auth/spreadsheets). The file may hold a bare token
({"access_token":..., "refresh_token":...}) or {"account":..., "token":{...}}.
Use - to read from stdin.

Set oauth.client_id and oauth.client_secret so expired tokens are refreshed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var raw []byte
		var err error
		if args[0] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			// #nosec G304 - controlled path from CLI
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			fatalf("failed to read token: %v", err)
		}

		account, _ := cmd.Flags().GetString("account")

		a := mustOpenApp()
		defer a.Close()

		if err := a.identity.ImportJSON(raw, account); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Token saved to %s\n", ui.RenderPass(ui.IconPass), a.identity.Path())
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signed-in account",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		id, err := a.identity.Current(context.Background())
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			out := map[string]interface{}{"signed_in": id != nil}
			if id != nil {
				out["account"] = id.Account
				if !id.Expiry.IsZero() {
					out["expiry"] = id.Expiry
				}
			}
			outputJSON(out)
			return
		}

		if id == nil {
			fmt.Printf("%s\n", ui.RenderWarnIcon("Not signed in. Sync passes will fail until a token is imported."))
			return
		}
		fmt.Printf("%s Signed in", ui.RenderPass(ui.IconPass))
		if id.Account != "" {
			fmt.Printf(" as %s", ui.RenderAccent(id.Account))
		}
		fmt.Println()
		if !id.Expiry.IsZero() {
			state := "valid"
			if time.Now().After(id.Expiry) {
				state = "expired"
			}
			fmt.Printf("   Access token %s until %s\n", state, id.Expiry.Local().Format(time.DateTime))
		}
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Long: `Remove the stored token. Local records are kept; sync passes fail with an
authentication fault until a new token is imported.

--forget-sheet also forgets the spreadsheet id, so the next pass creates a
new spreadsheet (useful when switching accounts).`,
	Run: func(cmd *cobra.Command, args []string) {
		forgetSheet, _ := cmd.Flags().GetBool("forget-sheet")

		a := mustOpenApp()
		defer a.Close()

		if err := a.identity.SignOut(); err != nil {
			fatalf("%v", err)
		}
		if forgetSheet {
			if err := a.handles.Clear(); err != nil {
				fatalf("%v", err)
			}
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass(ui.IconPass))
	},
}

func init() {
	authImportCmd.Flags().String("account", "", "account label (e.g. email address)")
	authLogoutCmd.Flags().Bool("forget-sheet", false, "also forget the spreadsheet id")

	authCmd.AddCommand(authImportCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authLogoutCmd)
	rootCmd.AddCommand(authCmd)
}
