package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sheetsync/sheetsync/internal/schema"
	"github.com/sheetsync/sheetsync/internal/store"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

type fakeStats struct {
	stats []store.CollectionStats
}

func (f *fakeStats) Stats(ctx context.Context) ([]store.CollectionStats, error) {
	return f.stats, nil
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Host:   "127.0.0.1",
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeMessageCarriesStats(t *testing.T) {
	server := setupTestServer(t)
	NewHandler(server, &fakeStats{stats: []store.CollectionStats{
		{Collection: schema.Sales, Total: 3, Unsynced: 1},
		{Collection: schema.DataItems, Total: 2, Unsynced: 2},
	}})

	conn, ctx := dial(t, server)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStats)
	}

	var data StatsData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if data.Unsynced != 3 || len(data.Collections) != 2 {
		t.Errorf("stats = %+v, want 3 unsynced across 2 collections", data)
	}

	waitForClients(t, server, 1)
}

func TestBroadcastRecordUpdate(t *testing.T) {
	server := setupTestServer(t)
	handler := NewHandler(server, nil)

	conn, ctx := dial(t, server)
	readMessage(t, ctx, conn) // welcome
	waitForClients(t, server, 1)

	rec := schema.NewRecord(schema.DataItems, map[string]string{"title": "Milk"}, time.Now())
	rec.Revision = 4
	handler.OnChange(store.Change{Op: store.OpUpsert, ID: rec.ID, Collection: rec.Collection, Record: rec})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeRecordUpdate {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeRecordUpdate)
	}
	var data RecordUpdateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.RecordID != rec.ID || data.Action != "upsert" || data.Revision != 4 {
		t.Errorf("data = %+v", data)
	}
}

func TestBroadcastSyncResult(t *testing.T) {
	server := setupTestServer(t)
	handler := NewHandler(server, &fakeStats{})

	conn, ctx := dial(t, server)
	readMessage(t, ctx, conn) // welcome
	waitForClients(t, server, 1)

	handler.OnResult(ssync.Result{
		Outcome: ssync.Succeeded,
		Trigger: ssync.TriggerUser,
		Handle:  "sheet-1",
		Tables:  []ssync.TableResult{{Collection: schema.DataItems, Rows: 2, Marked: 2}},
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncResult {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeSyncResult)
	}
	var data struct {
		Outcome string `json:"outcome"`
		Trigger string `json:"trigger"`
		Handle  string `json:"handle"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Outcome != "succeeded" || data.Trigger != "user" || data.Handle != "sheet-1" {
		t.Errorf("data = %+v", data)
	}

	if next := readMessage(t, ctx, conn); next.Type != MessageTypeStats {
		t.Errorf("follow-up type = %s, want %s", next.Type, MessageTypeStats)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}
