// Package writequeue batches pending writes to amortize backend
// commits and hide cryptographic latency from callers. Grounded on
// the teacher's background-task shape (a single consumer goroutine
// draining a queue, observed in the pack's infrastructure/state and
// datafeed services), adapted to the non-blocking-enqueue plus
// coalescing-window batching this component requires.
package writequeue

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ksafevault/ksafe/internal/cryptoengine"
	"github.com/ksafevault/ksafe/internal/metrics"
	"github.com/ksafevault/ksafe/internal/prefstore"
)

// encodeBase64 is the wire encoding for ciphertext persisted as a
// preference-backend string value; there is no ecosystem codec for
// this, stdlib base64 is what any corpus repo would also reach for.
func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Op is one pending mutation. The three concrete types are
// Unencrypted, Encrypted, and Delete.
type Op interface {
	// targets returns the raw cache keys this op affects, so the
	// consumer can apply last-write-wins per key within a batch.
	targets() []string
}

// Unencrypted writes value under rawKey verbatim.
type Unencrypted struct {
	RawKey string
	Value  any
}

// Encrypted writes Plaintext under rawKey once encrypted under Alias.
// Encryption happens on the consumer goroutine, never on the
// enqueuer, so CryptoEngine latency never blocks a caller.
type Encrypted struct {
	RawKey    string
	Alias     string
	Plaintext []byte
}

// Delete removes both the unencrypted and encrypted raw-key forms of
// one client key and, after the backend commit, deletes the alias's
// key from the CryptoEngine — outside the edit, since the secure key
// store is a separate subsystem from the preference backend.
type Delete struct {
	RawKey          string
	EncryptedRawKey string
	Alias           string
}

func (o Unencrypted) targets() []string { return []string{o.RawKey} }
func (o Encrypted) targets() []string   { return []string{o.RawKey} }
func (o Delete) targets() []string      { return []string{o.RawKey, o.EncryptedRawKey} }

// Config configures a Consumer.
type Config struct {
	Backend        prefstore.Backend
	Crypto         *cryptoengine.Engine
	Logger         hclog.Logger
	Metrics        *metrics.Metrics
	BatchCap       int           // default 50
	CoalesceWindow time.Duration // default 16ms
}

// Consumer is the background batching consumer. Construct with New
// and start exactly one goroutine running Run; Enqueue may be called
// concurrently from any number of goroutines before and after Run
// starts.
type Consumer struct {
	backend  prefstore.Backend
	crypto   *cryptoengine.Engine
	logger   hclog.Logger
	metrics  *metrics.Metrics
	batchCap int
	window   time.Duration

	mu     sync.Mutex
	items  []Op
	notify chan struct{}

	done chan struct{}
}

// New constructs a Consumer. Run must be started separately so
// callers control its goroutine's lifetime.
func New(cfg Config) *Consumer {
	batchCap := cfg.BatchCap
	if batchCap <= 0 {
		batchCap = 50
	}
	window := cfg.CoalesceWindow
	if window <= 0 {
		window = 16 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Consumer{
		backend:  cfg.Backend,
		crypto:   cfg.Crypto,
		logger:   logger.Named("writequeue"),
		metrics:  cfg.Metrics,
		batchCap: batchCap,
		window:   window,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue appends op to the queue without blocking.
func (c *Consumer) Enqueue(op Op) {
	c.mu.Lock()
	c.items = append(c.items, op)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Consumer) drain() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return nil
	}
	out := c.items
	c.items = nil
	return out
}

func (c *Consumer) pushFront(ops []Op) {
	if len(ops) == 0 {
		return
	}
	c.mu.Lock()
	c.items = append(ops, c.items...)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Run drains and commits batches until ctx is canceled. It blocks for
// the first op of a batch, then collects more until either the batch
// reaches its cap or the coalescing window elapses since the first
// op arrived.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}

		batch := c.drain()
		if len(batch) == 0 {
			continue
		}

		if len(batch) < c.batchCap {
			timer := time.NewTimer(c.window)
		collect:
			for len(batch) < c.batchCap {
				select {
				case <-timer.C:
					break collect
				case <-c.notify:
					batch = append(batch, c.drain()...)
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			timer.Stop()
		}

		if len(batch) > c.batchCap {
			remainder := batch[c.batchCap:]
			batch = batch[:c.batchCap]
			c.pushFront(remainder)
		}

		c.commit(ctx, batch)
	}
}

// Stop blocks until Run has returned, so callers can quiesce the
// background task deterministically on teardown. Stop does not itself
// signal Run: the ctx passed to Run must be canceled (typically via
// its own cancel func) before calling Stop.
func (c *Consumer) Stop() {
	<-c.done
}

// commit applies one coalesced batch. Operations targeting the same
// raw key take last-write-wins semantics within the batch.
func (c *Consumer) commit(ctx context.Context, batch []Op) {
	batchID := uuid.NewString()
	logger := c.logger.With("batch_id", batchID, "batch_size", len(batch))

	final := make(map[string]Op, len(batch))
	order := make([]string, 0, len(batch))
	for _, op := range batch {
		for _, key := range op.targets() {
			if _, seen := final[key]; !seen {
				order = append(order, key)
			}
			final[key] = op
		}
	}

	err := c.backend.Edit(ctx, func(m prefstore.Mutator) {
		for _, rawKey := range order {
			switch op := final[rawKey].(type) {
			case Unencrypted:
				if op.RawKey == rawKey {
					m.Put(rawKey, op.Value)
				}
			case Encrypted:
				if op.RawKey == rawKey {
					ciphertext, err := c.crypto.Encrypt(op.Alias, op.Plaintext)
					if err != nil {
						logger.Warn("dropping encrypted write, encryption failed",
							"raw_key", rawKey, "error", err)
						continue
					}
					m.Put(rawKey, encodeBase64(ciphertext))
				}
			case Delete:
				m.Delete(rawKey)
			}
		}
	})

	if err != nil {
		logger.Warn("dropping write batch, backend commit failed", "error", err)
		c.recordBatch(len(batch), false)
		return
	}
	c.recordBatch(len(batch), true)

	for _, alias := range deletedAliases(final) {
		if err := c.crypto.DeleteKey(alias); err != nil {
			logger.Warn("key deletion failed after backend commit",
				"alias", alias, "error", err)
		}
	}
}

// deletedAliases returns the CryptoEngine aliases to delete after a
// commit, derived from the batch's resolved last-write-wins map
// rather than from raw iteration order. A Delete op's alias is only
// scheduled for deletion when its encrypted raw key is STILL mapped
// to that same Delete in final — if a later Encrypted op in the same
// coalescing window re-targeted the encrypted raw key (a delete
// immediately followed by a re-write under the same key), the fresh
// key that re-write just encrypted under must survive, not be
// destroyed by the superseded delete.
func deletedAliases(final map[string]Op) []string {
	var aliases []string
	for rawKey, op := range final {
		del, ok := op.(Delete)
		if !ok || del.EncryptedRawKey != rawKey {
			continue
		}
		aliases = append(aliases, del.Alias)
	}
	return aliases
}

func (c *Consumer) recordBatch(size int, ok bool) {
	if c.metrics != nil {
		c.metrics.ObserveBatch(size, ok)
	}
}
