package prefstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestFileBackendEditPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	ctx := context.Background()

	b, err := OpenFileBackend(path, nil)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	if err := b.Edit(ctx, func(m Mutator) { m.Put("a", int64(42)) }); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := OpenFileBackend(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	snap, err := b2.CurrentSnapshot(ctx)
	if err != nil {
		t.Fatalf("CurrentSnapshot: %v", err)
	}
	// JSON round-trips int64(42) as float64.
	want := Snapshot{"a": float64(42)}
	if diff := deep.Equal(snap, want); diff != nil {
		t.Fatalf("snapshot: %v", diff)
	}
}

func TestFileBackendRejectsSecondOpener(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")

	b, err := OpenFileBackend(path, nil)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	defer b.Close()

	_, err = OpenFileBackend(path, nil)
	if err == nil {
		t.Fatal("expected second Open to fail")
	}
}

func TestFileBackendCloseThenReopenSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")

	b, err := OpenFileBackend(path, nil)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := OpenFileBackend(path, nil)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	b2.Close()
}

func TestFileBackendClearRemovesEveryKeyAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	ctx := context.Background()

	b, err := OpenFileBackend(path, nil)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	defer b.Close()

	if err := b.Edit(ctx, func(m Mutator) { m.Put("a", "v") }); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := b.Edit(ctx, func(m Mutator) { m.Clear() }); err != nil {
		t.Fatalf("Edit clear: %v", err)
	}

	snap, err := b.CurrentSnapshot(ctx)
	if err != nil {
		t.Fatalf("CurrentSnapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot after Clear, got %v", snap)
	}
}

func TestFileBackendSnapshotsStreamObservesEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	ctx := context.Background()

	b, err := OpenFileBackend(path, nil)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	defer b.Close()

	ch, cancel := b.Snapshots(ctx)
	defer cancel()
	<-ch

	if err := b.Edit(ctx, func(m Mutator) { m.Put("x", "y") }); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	select {
	case snap := <-ch:
		if snap["x"] != "y" {
			t.Fatalf("unexpected snapshot: %v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for edit snapshot")
	}
}
