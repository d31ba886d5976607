package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save("key-1", "proc-1", "INIT", `{"process_id":"proc-1"}`); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	snap, err := store.Load("key-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.ThreadKey != "key-1" || snap.ProcessID != "proc-1" || snap.CurrentPhase != "INIT" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not populated")
	}
}

func TestSaveUpserts(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save("key-1", "proc-1", "INIT", `{"v":1}`); err != nil {
		t.Fatal(err)
	}
	if err := store.Save("key-1", "proc-1", "APPROVAL", `{"v":2}`); err != nil {
		t.Fatal(err)
	}

	snap, err := store.Load("key-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.CurrentPhase != "APPROVAL" || snap.RecordJSON != `{"v":2}` {
		t.Errorf("upsert did not replace snapshot: %+v", snap)
	}

	snaps, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Errorf("expected 1 snapshot after upsert, got %d", len(snaps))
	}
}

func TestLoadMissingKey(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("absent")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save("key-1", "proc-1", "INIT", `{}`); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("key-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load("key-1"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("record still present after delete: %v", err)
	}

	// Deleting a missing key is not an error.
	if err := store.Delete("key-1"); err != nil {
		t.Errorf("idempotent delete failed: %v", err)
	}
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "state.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Save("key-1", "proc-1", "APPROVAL", `{"v":1}`); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	snap, err := reopened.Load("key-1")
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if snap.CurrentPhase != "APPROVAL" {
		t.Errorf("snapshot lost across reopen: %+v", snap)
	}
}

func TestSchemaVersionSet(t *testing.T) {
	store := newTestStore(t)

	version, err := GetSchemaVersion(store.db)
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, CurrentSchemaVersion)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Save(key, "proc-"+key, "INIT", `{}`); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond) // timestamps have millisecond resolution
	}
	// Touch "a" so it becomes the most recent.
	if err := store.Save("a", "proc-a", "APPROVAL", `{}`); err != nil {
		t.Fatal(err)
	}

	snaps, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	if snaps[0].ThreadKey != "a" {
		t.Errorf("most recently updated key should list first, got %s", snaps[0].ThreadKey)
	}
}
