package hotcache

import (
	"testing"

	"github.com/ksafevault/ksafe/internal/prefstore"
)

func TestGetPutRemove(t *testing.T) {
	c := New()
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put("a", int32(1))
	v, ok := c.Get("a")
	if !ok || v != int32(1) {
		t.Fatalf("got %v, %v", v, ok)
	}
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after remove")
	}
}

func TestInitializedFlipsOnceOnApplySnapshot(t *testing.T) {
	c := New()
	if c.Initialized() {
		t.Fatal("expected uninitialized at construction")
	}
	c.ApplySnapshot(prefstore.Snapshot{"a": int32(1)})
	if !c.Initialized() {
		t.Fatal("expected initialized after first snapshot")
	}
}

func TestApplySnapshotOverwritesNonDirtyEntries(t *testing.T) {
	c := New()
	c.Put("a", int32(1))
	c.ApplySnapshot(prefstore.Snapshot{"a": int32(99)})

	v, ok := c.Get("a")
	if !ok || v != int32(99) {
		t.Fatalf("expected overwritten value 99, got %v", v)
	}
}

func TestApplySnapshotPreservesDirtyEntries(t *testing.T) {
	c := New()
	c.Put("a", int32(1))
	c.MarkDirty("a")

	// A stale snapshot observed during the in-flight write window
	// must not clobber the optimistic value.
	c.ApplySnapshot(prefstore.Snapshot{"a": int32(0)})

	v, ok := c.Get("a")
	if !ok || v != int32(1) {
		t.Fatalf("expected preserved dirty value 1, got %v", v)
	}
}

func TestApplySnapshotRemovesEntriesAbsentFromBoth(t *testing.T) {
	c := New()
	c.Put("a", int32(1))
	c.Put("b", int32(2))
	c.MarkDirty("b")

	// Neither key appears in this snapshot. "a" (not dirty) is
	// removed; "b" (dirty) is preserved despite being absent.
	c.ApplySnapshot(prefstore.Snapshot{})

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected non-dirty absent key removed")
	}
	v, ok := c.Get("b")
	if !ok || v != int32(2) {
		t.Fatalf("expected dirty absent key preserved, got %v, %v", v, ok)
	}
}

func TestDirtyIsNeverClearedBySnapshot(t *testing.T) {
	c := New()
	c.MarkDirty("a")
	c.ApplySnapshot(prefstore.Snapshot{"a": int32(5)})
	c.ApplySnapshot(prefstore.Snapshot{"a": int32(6)})

	if !c.IsDirty("a") {
		t.Fatal("dirty flag must never clear on snapshot application")
	}
}

func TestClearRemovesEntriesAndDirty(t *testing.T) {
	c := New()
	c.Put("a", int32(1))
	c.MarkDirty("a")
	c.Clear()

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entries cleared")
	}
	if c.IsDirty("a") {
		t.Fatal("expected dirty cleared")
	}
}

func TestApplySnapshotAddsNewNonDirtyKeys(t *testing.T) {
	c := New()
	c.ApplySnapshot(prefstore.Snapshot{"fresh": "value"})
	v, ok := c.Get("fresh")
	if !ok || v != "value" {
		t.Fatalf("got %v, %v", v, ok)
	}
}
