package prefstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// pollInterval is how often FileBackend checks the backing file's
// mtime for changes made by another process holding the same file
// (which is rejected at Open, but the poll loop is kept generic so it
// also notices changes from e.g. a restored backup).
const pollInterval = 250 * time.Millisecond

// FileBackend is a JSON-file-backed durable Backend. Writes are
// committed via write-temp-then-rename so a crash mid-write never
// corrupts the existing file. Grounded on the example pack's
// infrastructure/state.PersistenceBackend (save/load shape), adapted
// to single-file JSON storage plus a lock sidecar and mtime-polling
// observer loop since the spec's Backend is a typed map with a
// snapshot stream, not a byte-blob KV store.
type FileBackend struct {
	path     string
	lockPath string
	lockFile *os.File
	logger   hclog.Logger

	mu   sync.Mutex
	data map[string]any

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// OpenFileBackend opens (creating if absent) a JSON file at path as a
// durable Backend. It fails construction with ErrLocked if another
// live FileBackend already holds path open,
// resolving the single-writer-per-path requirement: two instances
// racing to flush the same file would silently clobber each other's
// writes, so a second Open is rejected outright rather than allowed
// to corrupt data later.
func OpenFileBackend(path string, logger hclog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("prefstore.file")

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("prefstore: resolving path: %w", err)
	}
	lockPath := absPath + ".lock"

	lockFile, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	data, err := loadFile(absPath)
	if err != nil {
		lockFile.Close()
		os.Remove(lockPath)
		return nil, err
	}

	b := &FileBackend{
		path:        absPath,
		lockPath:    lockPath,
		lockFile:    lockFile,
		logger:      logger,
		data:        data,
		subscribers: make(map[chan Snapshot]struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go b.pollLoop()
	return b, nil
}

// ErrLocked is returned when a second FileBackend tries to
// open a path already held open by a live instance.
var ErrLocked = fmt.Errorf("prefstore: backing file is locked by another instance")

func acquireLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("prefstore: creating lock file: %w", err)
	}
	return f, nil
}

// loadFile decodes the JSON file at path into a generic map. Note
// that encoding/json decodes every JSON number as float64, so an
// int32/int64 value put before a Close widens to float64 once read
// back after a reopen or an external-change reload; callers reading
// typed integers should re-convert rather than assume the original
// type survives a round trip.
func loadFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("prefstore: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return make(map[string]any), nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("prefstore: parsing %s: %w", path, err)
	}
	return data, nil
}

type fileMutator struct {
	b *FileBackend
}

func (m fileMutator) Put(key string, value any) {
	m.b.data[key] = value
}

func (m fileMutator) Delete(key string) {
	delete(m.b.data, key)
}

func (m fileMutator) Clear() {
	m.b.data = make(map[string]any)
}

// Edit applies fn and commits the result to disk via a temp file plus
// atomic rename before returning, so a crash between write and rename
// can never leave a torn file in place.
func (b *FileBackend) Edit(ctx context.Context, fn func(Mutator)) error {
	b.mu.Lock()
	fn(fileMutator{b: b})
	snap := b.snapshotLocked()
	err := b.flushLocked()
	b.mu.Unlock()

	if err != nil {
		return err
	}
	b.broadcast(snap)
	return nil
}

func (b *FileBackend) flushLocked() error {
	raw, err := json.Marshal(b.data)
	if err != nil {
		return fmt.Errorf("prefstore: encoding: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("prefstore: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("prefstore: committing: %w", err)
	}
	return nil
}

func (b *FileBackend) snapshotLocked() Snapshot {
	out := make(Snapshot, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

func (b *FileBackend) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(), nil
}

func (b *FileBackend) Snapshots(ctx context.Context) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	initial := b.snapshotLocked()
	b.mu.Unlock()

	b.subMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()

	select {
	case ch <- initial:
	default:
	}

	cancel := func() {
		b.subMu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.subMu.Unlock()
	}
	return ch, cancel
}

func (b *FileBackend) broadcast(snap Snapshot) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// pollLoop watches the backing file's mtime and re-reads on change,
// so external modification (a restored backup, manual edit) is
// eventually observed even though normal writes go through Edit.
func (b *FileBackend) pollLoop() {
	defer close(b.done)

	var lastMod time.Time
	if info, err := os.Stat(b.path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			info, err := os.Stat(b.path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			data, err := loadFile(b.path)
			if err != nil {
				b.logger.Warn("ignoring unreadable external change", "error", err)
				continue
			}

			b.mu.Lock()
			b.data = data
			snap := b.snapshotLocked()
			b.mu.Unlock()
			b.broadcast(snap)
		}
	}
}

// Close stops the poll loop and releases the lock sidecar, allowing a
// later Open of the same path to succeed.
func (b *FileBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
		err = b.lockFile.Close()
		os.Remove(b.lockPath)
	})
	return err
}
