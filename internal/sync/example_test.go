package sync_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sheetsync/sheetsync/internal/netprobe"
	"github.com/sheetsync/sheetsync/internal/remote/remotetest"
	"github.com/sheetsync/sheetsync/internal/schema"
	"github.com/sheetsync/sheetsync/internal/state"
	"github.com/sheetsync/sheetsync/internal/store"
	"github.com/sheetsync/sheetsync/internal/sync"
)

// This example runs one pass against an in-memory mirror.
func ExampleCoordinator_Pass() {
	dir, err := os.MkdirTemp("", "sheetsync-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "records.db"), log.New(io.Discard, "", 0))
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	handles, err := state.Open(filepath.Join(dir, "state.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	rec := schema.NewRecord(schema.DataItems, map[string]string{"title": "Milk"}, time.Now())
	if err := st.Upsert(ctx, rec); err != nil {
		log.Fatal(err)
	}

	cfg := sync.DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	coord := sync.New(st, remotetest.New(), netprobe.NewStatic(true), handles, cfg)

	res := coord.Pass(ctx, sync.TriggerUser)
	fmt.Println(res.Outcome, res.Marked())

	unsynced, _ := st.CountUnsynced(ctx)
	fmt.Println("unsynced:", unsynced)
	// Output:
	// succeeded 1
	// unsynced: 0
}
