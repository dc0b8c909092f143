// Package prefstore provides the PreferenceBackend surface spec.md
// treats as an opaque external collaborator, plus two concrete
// implementations so the module is runnable and testable standalone:
// MemoryBackend (in-process) and FileBackend (a JSON-file-backed
// durable store). Grounded on the example pack's
// infrastructure/state.PersistenceBackend interface shape, adapted
// from a save/load surface to the edit/snapshot-stream surface the
// vault's observer needs.
package prefstore

import "context"

// Snapshot is an immutable view of the backend's current state. Every
// value is one of bool, int32, int64, float32, float64, or string —
// the primitive kinds a preference record may hold.
type Snapshot map[string]any

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Mutator is the mutable view an Edit callback mutates; the backend
// commits every change made through it atomically as one batch.
type Mutator interface {
	Put(key string, value any)
	Delete(key string)
	// Clear removes every key, for Vault.ClearAll.
	Clear()
}

// Backend is the durable, observable, single-writer typed map spec.md
// §4.3 specifies.
type Backend interface {
	// Edit applies fn to a mutable snapshot and commits the result
	// atomically. Calls to Edit on one Backend are serialized.
	Edit(ctx context.Context, fn func(Mutator)) error

	// Snapshots returns a channel that receives a fresh snapshot
	// whenever the durable state changes, starting with the current
	// state. The returned cancel function stops the subscription and
	// must be called to release resources; it is safe to call more
	// than once. Emission on the writer's own Edit is best-effort and
	// may be delayed or (under backpressure) dropped — callers must
	// not assume every Edit produces an observed snapshot.
	Snapshots(ctx context.Context) (<-chan Snapshot, func())

	// CurrentSnapshot returns the current state in one shot.
	CurrentSnapshot(ctx context.Context) (Snapshot, error)
}
