package ksafe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksafevault/ksafe/internal/cryptoengine"
	"github.com/ksafevault/ksafe/internal/prefstore"
)

func newTestVault(t *testing.T, opts ...Option) *Vault {
	t.Helper()
	base := []Option{
		WithNamespace("demo"),
		WithBackend(prefstore.NewMemoryBackend()),
	}
	v, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not satisfied before timeout")
	}
}

// Invariant 1: put-get consistency, direct API.
func TestPutGetDirectConsistency(t *testing.T) {
	v := newTestVault(t)
	PutDirect(v, "k", "v", false)
	got := GetDirect(v, "k", "default", false)
	if got != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

// Invariant 2: put-get consistency, suspending API.
func TestPutGetSuspendingConsistency(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	if err := Put(ctx, v, "k", "v", false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got := Get(ctx, v, "k", "default", false)
	if got != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

// Invariant 3: null round-trip.
func TestNullRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	var nilStr *string
	if err := Put(ctx, v, "n", nilStr, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	def := "x"
	got := Get(ctx, v, "n", &def, true)
	if got != nil {
		t.Fatalf("expected nil, got %v", *got)
	}
}

// Invariant 4: encryption isolation.
func TestEncryptionIsolation(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	if err := Put(ctx, v, "k", "secret", true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got := Get(ctx, v, "k", "default", false)
	if got == "secret" {
		t.Fatal("unencrypted read must never observe the encrypted value")
	}
}

// Invariant 5 / scenario S5: delete idempotence and fresh-key re-write.
func TestDeleteThenRewriteUnderSameAlias(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if err := Put(ctx, v, "k", "v1", true); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := v.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := Get(ctx, v, "k", "default", true); got != "default" {
		t.Fatalf("got %q after delete, want default", got)
	}
	if err := Put(ctx, v, "k", "v2", true); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	if got := Get(ctx, v, "k", "", true); got != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
}

// Invariant 6: per-alias lock correctness under concurrent writers.
func TestConcurrentWritersToSameKey(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := Put(ctx, v, "shared", fmt.Sprintf("v%d", i), true); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got := Get(ctx, v, "shared", "__absent__", true)
	if got == "__absent__" {
		t.Fatal("expected a written value, got default")
	}
}

// Invariant 7 / scenario S4: no cross-contamination under parallel
// alias creation.
func TestParallelDistinctKeysNoCrossContamination(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			val := fmt.Sprintf("v%d", i)
			if err := Put(ctx, v, key, val, true); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		want := fmt.Sprintf("v%d", i)
		if got := Get(ctx, v, key, "", true); got != want {
			t.Fatalf("key %q: got %q, want %q", key, got, want)
		}
	}
}

// Invariant 8: dirty preservation against a stale observed snapshot.
func TestDirtyPreservationAgainstStaleSnapshot(t *testing.T) {
	v := newTestVault(t)

	PutDirect(v, "k", "v1", false)
	// Simulate a stale snapshot (pre-write state) arriving from the
	// backend observer after the optimistic write.
	v.applySnapshot(prefstore.Snapshot{})

	got := GetDirect(v, "k", "default", false)
	if got != "v1" {
		t.Fatalf("got %q, want preserved v1", got)
	}
}

// Invariant 10 / scenario: first flow emission on a never-written key
// is the default.
func TestFlowEmitsDefaultForAbsentKey(t *testing.T) {
	v := newTestVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop := GetFlow(ctx, v, "never", "d", false)
	defer stop()

	select {
	case got := <-ch:
		if got != "d" {
			t.Fatalf("got %q, want default", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial emission")
	}
}

// Invariant 9 / scenario S7: distinct-until-changed flow emissions.
func TestFlowDistinctUntilChanged(t *testing.T) {
	v := newTestVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop := GetFlow(ctx, v, "k", "d", false)
	defer stop()

	var got []string
	collect := func() {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for emission")
		}
	}

	collect() // initial: "d"

	if err := Put(ctx, v, "k", "a", false); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := Put(ctx, v, "k", "a", false); err != nil {
		t.Fatalf("Put a again: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := Put(ctx, v, "k", "b", false); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	collect()
	collect()

	want := []string{"d", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// Scenario S3: out-of-range numeric narrowing yields def, not a
// truncated value.
func TestOutOfRangeNarrowingYieldsDefault(t *testing.T) {
	v := newTestVault(t)
	PutDirect(v, "cnt", int64(42_000_000_000), false)
	got := GetDirect[int32](v, "cnt", 0, false)
	if got != 0 {
		t.Fatalf("got %d, want 0 (narrowing failure default)", got)
	}
}

// failingOnceKeyStore fails an alias's first Get with a plain error
// (which the engine surfaces as ErrUnavailable), then behaves like an
// ordinary in-memory store — simulating a secure
// key store that is transiently locked before becoming reachable.
type failingOnceKeyStore struct {
	mu     sync.Mutex
	failed map[string]bool
	inner  *cryptoengine.MemoryKeyStore
}

func newFailingOnceKeyStore() *failingOnceKeyStore {
	return &failingOnceKeyStore{
		failed: make(map[string]bool),
		inner:  cryptoengine.NewMemoryKeyStore(),
	}
}

func (s *failingOnceKeyStore) Get(alias string) ([]byte, bool, error) {
	s.mu.Lock()
	if !s.failed[alias] {
		s.failed[alias] = true
		s.mu.Unlock()
		return nil, false, errors.New("key store locked")
	}
	s.mu.Unlock()
	return s.inner.Get(alias)
}

func (s *failingOnceKeyStore) Put(alias string, key []byte) error {
	return s.inner.Put(alias, key)
}

func (s *failingOnceKeyStore) Delete(alias string) error {
	return s.inner.Delete(alias)
}

// Scenario S6: crypto unavailability on the direct write path never
// surfaces an error and never regresses to default on the matching
// read — the optimistic cache serves the value regardless.
func TestCryptoUnavailableOnDirectWriteServesFromCache(t *testing.T) {
	v := newTestVault(t, WithKeyStore(newFailingOnceKeyStore()))

	PutDirect(v, "k", "v", true)
	// PutDirect never blocks on the encrypt; give the consumer a
	// moment to attempt (and fail) the background commit.
	time.Sleep(50 * time.Millisecond)

	got := GetDirect(v, "k", "default", true)
	if got != "v" {
		t.Fatalf("got %q, want v served from the optimistic cache", got)
	}
}

func TestClearAllWipesCacheBackendAndKeys(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if err := Put(ctx, v, "k1", "v1", true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := Put(ctx, v, "k2", "v2", false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := v.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if got := Get(ctx, v, "k1", "default", true); got != "default" {
		t.Fatalf("got %q after ClearAll, want default", got)
	}
	if got := Get(ctx, v, "k2", "default", false); got != "default" {
		t.Fatalf("got %q after ClearAll, want default", got)
	}
}

func TestDeleteDirectNonSuspending(t *testing.T) {
	v := newTestVault(t)
	PutDirect(v, "k", "v", true)
	v.DeleteDirect("k")

	got := GetDirect(v, "k", "default", true)
	if got != "default" {
		t.Fatalf("got %q, want default after DeleteDirect", got)
	}
}

func TestGetDirectColdCacheForcesSyncSnapshot(t *testing.T) {
	backend := prefstore.NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Edit(ctx, func(m prefstore.Mutator) { m.Put("k", "preexisting") }); err != nil {
		t.Fatalf("seeding backend: %v", err)
	}

	v, err := New(WithNamespace("demo"), WithBackend(backend), WithLazyLoad(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.Close()

	got := GetDirect(v, "k", "default", false)
	if got != "preexisting" {
		t.Fatalf("got %q, want preexisting (forced sync snapshot)", got)
	}
}

func TestGetSuspendingRespectsContextCancellation(t *testing.T) {
	backend := prefstore.NewMemoryBackend()
	v, err := New(WithNamespace("demo"), WithBackend(backend), WithLazyLoad(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := Get(ctx, v, "k", "default", false)
	if got != "default" {
		t.Fatalf("got %q, want default on canceled context", got)
	}
}
