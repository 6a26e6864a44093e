package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sheetsync/sheetsync/internal/config"
	"github.com/sheetsync/sheetsync/internal/identity"
	"github.com/sheetsync/sheetsync/internal/lockfile"
	"github.com/sheetsync/sheetsync/internal/netprobe"
	"github.com/sheetsync/sheetsync/internal/remote"
	"github.com/sheetsync/sheetsync/internal/repository"
	"github.com/sheetsync/sheetsync/internal/state"
	"github.com/sheetsync/sheetsync/internal/store"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
	"github.com/sheetsync/sheetsync/internal/ui"
)

// app holds the components shared by commands.
type app struct {
	cfg    *config.Config
	logOut io.Writer

	store    *store.Store
	handles  *state.File
	identity *identity.TokenFile
	probe    *netprobe.Probe
	coord    *ssync.Coordinator
	repo     *repository.Repository
}

// openApp wires the store, identity, remote client and coordinator. The
// repository has no trigger; callers decide when to sync.
func openApp() (*app, error) {
	cfg := loader.Config()
	logOut := cfg.LogWriter()

	st, err := store.OpenShared(cfg.DBPath, config.NewLogger(logOut, "store"))
	if err != nil {
		return nil, err
	}

	handles, err := state.Open(cfg.StatePath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	id := identity.NewTokenFile(cfg.TokenPath, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)
	probe := netprobe.New(cfg.Probe)

	coord := ssync.New(st, remote.NewSheets(id), probe, handles, ssync.Config{
		Title:       cfg.CollectionTitle,
		Collections: cfg.SelectedCollections(),
		Lock:        lockfile.New(cfg.LockPath),
		Logger:      config.NewLogger(logOut, "sync"),
	})

	return &app{
		cfg:      cfg,
		logOut:   logOut,
		store:    st,
		handles:  handles,
		identity: id,
		probe:    probe,
		coord:    coord,
		repo:     repository.New(st, nil, coord),
	}, nil
}

func mustOpenApp() *app {
	a, err := openApp()
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

func (a *app) Close() {
	if c, ok := a.logOut.(io.Closer); ok && a.logOut != os.Stderr {
		defer c.Close()
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
	}
}

func (a *app) logger(component string) *log.Logger {
	return config.NewLogger(a.logOut, component)
}

// syncAfterMutation runs the gated pass that follows a write. Its outcome
// never changes the result of the write itself.
func (a *app) syncAfterMutation(ctx context.Context, noSync bool) {
	if noSync {
		return
	}
	res := a.coord.Pass(ctx, ssync.TriggerMutation)
	if jsonOutput {
		return
	}
	printResultLine(res)
}

func printResultLine(res ssync.Result) {
	switch res.Outcome {
	case ssync.Succeeded:
		fmt.Println(ui.RenderPassIcon(res.String()))
	case ssync.Skipped:
		fmt.Println(ui.RenderWarnIcon(res.String()))
	default:
		fmt.Println(ui.RenderFailIcon(res.String()))
	}
}
