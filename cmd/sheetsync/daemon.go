package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sheetsync/sheetsync/internal/api"
	"github.com/sheetsync/sheetsync/internal/config"
	"github.com/sheetsync/sheetsync/internal/daemon"
	"github.com/sheetsync/sheetsync/internal/dashboard"
	"github.com/sheetsync/sheetsync/internal/repository"
	"github.com/sheetsync/sheetsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync (foreground process)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Run a sync pass on start and every sync.interval (default 15m) while
     the network is reachable, retrying failed slots with backoff
  2. Watch the store file and sync when another process leaves records
     pending
  3. Optionally serve the control API (--api) and the WebSocket dashboard
     (--dashboard)
  4. Reload the probe target and retry policy when the config file changes

Press Ctrl+C to stop. A pass that is already pushing finishes first.`,
	Run: func(cmd *cobra.Command, args []string) {
		withAPI, _ := cmd.Flags().GetBool("api")
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		a := mustOpenApp()
		defer a.Close()

		d, err := daemon.NewWithConfig(a.coord, a.store, a.probe, a.cfg.DaemonConfig(a.logger("daemon")))
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		repo := repository.New(a.store, d.Trigger(), a.coord)
		stop, err := startFrontends(a, repo, withAPI, withDashboard)
		if err != nil {
			fatalf("%v", err)
		}
		defer stop()

		loader.Watch(a.logger("config"), func(c *config.Config) {
			a.probe.SetConfig(c.Probe)
			d.SetRetryPolicy(c.RetryPolicy())
		})

		fmt.Printf("%s Starting sheetsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", a.cfg.DBPath)
		fmt.Printf("   Interval: %s\n", a.cfg.Sync.Interval)
		if f := loader.ConfigFile(); f != "" {
			fmt.Printf("   Config: %s (watched)\n", f)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			stop()
			os.Exit(1)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Serve the control API without periodic sync",
	Long: `Serve the local control API. Writes made through the API are followed
by a coalesced background sync pass; there is no periodic job.

Endpoints:
  GET    /health
  GET    /status
  GET    /records?collection=&unsynced=&since=&limit=
  GET    /records/:id
  POST   /records/:collection
  PUT    /records/:id
  DELETE /records/:id
  POST   /sync`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		a := mustOpenApp()
		defer a.Close()

		trigger := daemon.NewTrigger(a.coord, a.logger("daemon"))
		trigger.Start()
		defer trigger.Stop()

		repo := repository.New(a.store, trigger, a.coord)
		stop, err := startFrontends(a, repo, true, withDashboard)
		if err != nil {
			fatalf("%v", err)
		}
		defer stop()

		loader.Watch(a.logger("config"), func(c *config.Config) {
			a.probe.SetConfig(c.Probe)
		})

		fmt.Println("\nPress Ctrl+C to stop...")
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()
		fmt.Println("\nShutting down...")
	},
}

// startFrontends starts the API server and the dashboard as requested and
// returns a function stopping both.
func startFrontends(a *app, repo *repository.Repository, withAPI, withDashboard bool) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		stops = nil
	}

	if withDashboard {
		server := dashboard.NewServer(&dashboard.Config{
			Port:   a.cfg.Dashboard.Port,
			Logger: a.logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			return nil, fmt.Errorf("failed to start dashboard: %w", err)
		}
		handler := dashboard.NewHandler(server, a.store)
		unwatch := a.store.Watch(handler.OnChange)
		unhook := a.coord.OnResult(handler.OnResult)
		stops = append(stops, func() {
			unhook()
			unwatch()
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
			}
		})
		fmt.Printf("Dashboard: ws://%s/ws\n", server.GetAddr())
	}

	if withAPI {
		server := api.NewServer(a.cfg.API.Addr, &api.Handler{
			Records: repo,
			Stats:   a.store,
			Results: a.coord,
		}, a.logger("api"))
		if err := server.Start(); err != nil {
			stopAll()
			return nil, fmt.Errorf("failed to start API: %w", err)
		}
		stops = append(stops, func() {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during API shutdown: %v\n", err)
			}
		})
		fmt.Printf("API: http://%s\n", server.Addr())
	}

	return stopAll, nil
}

func init() {
	daemonCmd.Flags().Bool("api", false, "serve the control API on api.addr")
	daemonCmd.Flags().Bool("dashboard", false, "serve the WebSocket dashboard on dashboard.port")
	serveCmd.Flags().Bool("dashboard", false, "also serve the WebSocket dashboard")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serveCmd)
}
