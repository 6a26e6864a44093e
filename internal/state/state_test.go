package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_Missing(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if got := f.CollectionID(); got != "" {
		t.Errorf("CollectionID() = %q, want empty", got)
	}
}

func TestSetCollectionID_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SetCollectionID("sheet-123"); err != nil {
		t.Fatalf("SetCollectionID() failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "remote_collection_id: sheet-123") {
		t.Errorf("state file = %q", raw)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.CollectionID(); got != "sheet-123" {
		t.Errorf("CollectionID() after reopen = %q, want sheet-123", got)
	}

	if err := reopened.Clear(); err != nil {
		t.Fatal(err)
	}
	again, _ := Open(path)
	if got := again.CollectionID(); got != "" {
		t.Errorf("CollectionID() after Clear = %q, want empty", got)
	}
}

func TestOpen_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("remote_collection_id: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open() on corrupt file should fail")
	}
}

func TestReload_SeesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.SetCollectionID("sheet-a"); err != nil {
		t.Fatal(err)
	}
	if got := b.CollectionID(); got != "" {
		t.Fatalf("CollectionID() before Reload = %q, want cached empty value", got)
	}
	if err := b.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if got := b.CollectionID(); got != "sheet-a" {
		t.Errorf("CollectionID() after Reload = %q, want sheet-a", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := b.Reload(); err != nil {
		t.Fatalf("Reload() of a removed file failed: %v", err)
	}
	if got := b.CollectionID(); got != "" {
		t.Errorf("CollectionID() after removal = %q, want empty", got)
	}
}

func TestReload_KeepsStateOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SetCollectionID("sheet-1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("remote_collection_id: [\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := f.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if got := f.CollectionID(); got != "sheet-1" {
		t.Errorf("CollectionID() = %q, want cached sheet-1", got)
	}
}
