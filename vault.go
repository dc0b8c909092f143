// Package ksafe provides a secure, optionally-encrypted key-value
// persistence engine for client applications: typed reads and writes
// over a durable preference store, with an in-memory hot cache so
// UI-thread reads are instant and UI-thread writes never block on
// disk or cryptographic work.
package ksafe

import (
	"context"
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ksafevault/ksafe/internal/codec"
	"github.com/ksafevault/ksafe/internal/cryptoengine"
	"github.com/ksafevault/ksafe/internal/hotcache"
	"github.com/ksafevault/ksafe/internal/metrics"
	"github.com/ksafevault/ksafe/internal/prefstore"
	"github.com/ksafevault/ksafe/internal/writequeue"
)

// Vault is the public façade: one logical namespace tied to one
// backing preference store and one secure key-store scope. It owns a
// HotCache, a CryptoEngine, and a WriteCoalescer, and runs a
// background snapshot observer that keeps the cache warm.
type Vault struct {
	namespace    string
	memoryPolicy MemoryPolicy

	backend  prefstore.Backend
	cache    *hotcache.Cache
	crypto   *cryptoengine.Engine
	consumer *writequeue.Consumer
	metrics  *metrics.Metrics
	logger   hclog.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc

	observerOnce sync.Once
	readyOnce    sync.Once
	readyCh      chan struct{}

	closeOnce sync.Once
}

// New constructs a Vault from the given options. Construction fails
// with a typed *Error if the namespace, crypto key size, or timing
// options are invalid, or if a blocking security-policy check is
// satisfied.
func New(opts ...Option) (*Vault, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if err := runSecurityPolicy(options.Security); err != nil {
		return nil, err
	}
	return newFromOptions(&options)
}

// NewFromMapOptions constructs a Vault from Options built by FromMap,
// after the caller has attached the collaborators FromMap cannot
// populate (WithBackend is mandatory; WithKeyStore is optional).
func NewFromMapOptions(options *Options, extra ...Option) (*Vault, error) {
	merged := *options
	for _, opt := range extra {
		opt(&merged)
	}
	if err := merged.validate(); err != nil {
		return nil, err
	}
	if err := runSecurityPolicy(merged.Security); err != nil {
		return nil, err
	}
	return newFromOptions(&merged)
}

func newFromOptions(options *Options) (*Vault, error) {
	logger := options.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("ksafe")

	keyStore := options.KeyStore
	if keyStore == nil {
		// No OS-provided secure key store was supplied: persist keys
		// inside the same preference backend as the ciphertext so
		// encrypted values survive a process restart.
		keyStore = cryptoengine.NewPreferenceBackendKeyStore(options.Backend)
	}

	registry := options.MetricsRegistry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.New(registry)

	engine, err := cryptoengine.New(cryptoengine.Config{
		KeySizeBits: options.Crypto.KeySizeBits,
		Store:       keyStore,
		Logger:      logger,
		Recorder:    m,
	})
	if err != nil {
		return nil, newError(KindInvalidConfig, "constructing crypto engine", err)
	}

	cache := hotcache.New()
	consumer := writequeue.New(writequeue.Config{
		Backend:        options.Backend,
		Crypto:         engine,
		Logger:         logger,
		Metrics:        m,
		BatchCap:       options.BatchCap,
		CoalesceWindow: options.CoalesceWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())

	v := &Vault{
		namespace:    options.Namespace,
		memoryPolicy: options.MemoryPolicy,
		backend:      options.Backend,
		cache:        cache,
		crypto:       engine,
		consumer:     consumer,
		metrics:      m,
		logger:       logger,
		bgCtx:        ctx,
		bgCancel:     cancel,
		readyCh:      make(chan struct{}),
	}

	go consumer.Run(ctx)

	if !options.LazyLoad {
		v.ensureObserverStarted()
	}

	return v, nil
}

// Close cancels the background observer and write-coalescer tasks
// and blocks until the write-coalescer has returned. It does not wait
// for the observer goroutine, which exits on its own once it sees the
// cancellation. Safe to call more than once.
func (v *Vault) Close() {
	v.closeOnce.Do(func() {
		v.bgCancel()
		v.consumer.Stop()
	})
}

func (v *Vault) ensureObserverStarted() {
	v.observerOnce.Do(func() {
		go v.observeSnapshots(v.bgCtx)
	})
}

func (v *Vault) observeSnapshots(ctx context.Context) {
	ch, cancel := v.backend.Snapshots(ctx)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			v.applySnapshot(snap)
		}
	}
}

// applySnapshot merges one backend snapshot into the cache under the
// configured memory policy, and returns the (possibly transformed)
// snapshot so callers that also need per-key values — GetFlow — don't
// have to redo the transformation.
func (v *Vault) applySnapshot(snap prefstore.Snapshot) prefstore.Snapshot {
	transformed := v.transformSnapshot(snap)
	v.cache.ApplySnapshot(transformed)
	v.metrics.SetCacheInitialized(v.cache.Initialized())
	v.readyOnce.Do(func() { close(v.readyCh) })
	return transformed
}

// cachedPlaintext marks a cache entry as the textual plaintext of a
// decrypted snapshot value (PlaintextInMemory policy), distinguishing
// it from a freshly-typed optimistic write's Encode result and from a
// raw base64 ciphertext string — the three forms resolveEncrypted
// must tell apart.
type cachedPlaintext string

// transformSnapshot applies the configured MemoryPolicy to a raw
// backend snapshot. Under PlaintextInMemory, every encrypted entry is
// decrypted immediately so reads are pure memory; under
// CiphertextInMemory, entries pass through unchanged and each read
// pays one decrypt. A decrypt failure leaves the raw ciphertext in
// place — resolveEncrypted's fallback path will surface def for it.
func (v *Vault) transformSnapshot(snap prefstore.Snapshot) prefstore.Snapshot {
	if v.memoryPolicy != PlaintextInMemory {
		return snap
	}
	out := make(prefstore.Snapshot, len(snap))
	for k, val := range snap {
		if !strings.HasPrefix(k, encryptedPrefix) {
			out[k] = val
			continue
		}
		s, ok := val.(string)
		if !ok {
			out[k] = val
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			out[k] = val
			continue
		}
		clientKey := strings.TrimPrefix(k, encryptedPrefix)
		plaintext, err := v.crypto.Decrypt(alias(v.namespace, clientKey), raw)
		if err != nil {
			out[k] = val
			continue
		}
		out[k] = cachedPlaintext(plaintext)
	}
	return out
}

// forceSyncSnapshot performs the cold-read fallback: fetch one
// backend snapshot synchronously and apply it, so a non-suspending
// call never needs to await the background observer.
func (v *Vault) forceSyncSnapshot() {
	snap, err := v.backend.CurrentSnapshot(context.Background())
	if err != nil {
		v.logger.Warn("cold read snapshot fetch failed", "error", err)
		return
	}
	v.applySnapshot(snap)
}

// GetDirect is the non-suspending read. If the cache is initialized
// it resolves from the cache; otherwise it forces one synchronous
// backend snapshot first. On an initialized cache it does at most one
// decrypt, for the requested key; the cold-cache snapshot, under
// PlaintextInMemory, decrypts every encrypted entry it holds. It
// never returns an error — decode
// failures, missing keys, and crypto unavailability all silently
// yield def.
func GetDirect[T any](v *Vault, key string, def T, encrypted bool) T {
	if !v.cache.Initialized() {
		v.forceSyncSnapshot()
	}
	return resolveValue[T](v, key, def, encrypted)
}

// Get is the suspending read: it awaits cold-cache initialization
// (rather than forcing a synchronous fetch) before resolving. ctx
// bounds only the caller's wait for that initialization; if ctx is
// canceled first, Get returns def, consistent with the read path
// being infallible from the client's perspective.
func Get[T any](ctx context.Context, v *Vault, key string, def T, encrypted bool) T {
	v.ensureObserverStarted()
	if !v.cache.Initialized() {
		select {
		case <-v.readyCh:
		case <-ctx.Done():
			return def
		}
	}
	return resolveValue[T](v, key, def, encrypted)
}

func resolveValue[T any](v *Vault, key string, def T, encrypted bool) T {
	rk := rawKey(key, encrypted)
	cached, ok := v.cache.Get(rk)
	if !ok {
		return def
	}
	if !encrypted {
		decoded, _ := codec.TryDecode[T](cached, def)
		return decoded
	}
	return resolveEncrypted[T](v, alias(v.namespace, key), cached, def)
}

// resolveEncrypted implements the dual-interpretation read-resolution
// algorithm for encrypted raw keys: try the cached value as canonical
// plaintext first (the form an optimistic write leaves behind), and
// only on failure treat it as base64 ciphertext requiring a decrypt
// (the form a ciphertext-in-memory snapshot load leaves behind).
// Ordering bounds the hot-path cost to one parse.
func resolveEncrypted[T any](v *Vault, aliasStr string, cached any, def T) T {
	if pt, ok := cached.(cachedPlaintext); ok {
		decoded, ok := codec.DecodeText[T](string(pt), def)
		if !ok {
			return def
		}
		return decoded
	}
	if decoded, ok := codec.TryDecode[T](cached, def); ok {
		return decoded
	}
	s, ok := cached.(string)
	if !ok {
		return def
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return def
	}
	plaintext, err := v.crypto.Decrypt(aliasStr, raw)
	if err != nil {
		return def
	}
	decoded, ok := codec.DecodeText[T](string(plaintext), def)
	if !ok {
		return def
	}
	return decoded
}

// PutDirect is the non-suspending write: it computes the cached form,
// marks the raw key dirty, updates the cache, and enqueues a WriteOp,
// returning as soon as the enqueue completes. Encryption (for
// encrypted writes) happens later, on the write-coalescer's consumer
// goroutine, never on the caller.
func PutDirect[T any](v *Vault, key string, value T, encrypted bool) {
	rk := rawKey(key, encrypted)
	v.cache.MarkDirty(rk)

	encoded, err := codec.Encode(value)
	if err != nil {
		panic(fmt.Sprintf("ksafe: encoding value for key %q: %v", key, err))
	}
	v.cache.Put(rk, encoded)

	if !encrypted {
		v.consumer.Enqueue(writequeue.Unencrypted{RawKey: rk, Value: encoded})
		return
	}

	text, err := codec.TextFromEncoded(encoded)
	if err != nil {
		panic(fmt.Sprintf("ksafe: encoding value for key %q: %v", key, err))
	}
	v.consumer.Enqueue(writequeue.Encrypted{
		RawKey:    rk,
		Alias:     alias(v.namespace, key),
		Plaintext: []byte(text),
	})
}

// Put is the suspending write: for encrypted writes it encrypts
// synchronously and commits via a single-op backend edit; for
// unencrypted writes it commits directly. It completes only after the
// durable commit, updating the cache with the canonical plaintext
// form (never ciphertext) afterward.
func Put[T any](ctx context.Context, v *Vault, key string, value T, encrypted bool) error {
	v.ensureObserverStarted()
	rk := rawKey(key, encrypted)
	v.cache.MarkDirty(rk)

	encoded, err := codec.Encode(value)
	if err != nil {
		panic(fmt.Sprintf("ksafe: encoding value for key %q: %v", key, err))
	}

	if !encrypted {
		if err := v.backend.Edit(ctx, func(m prefstore.Mutator) { m.Put(rk, encoded) }); err != nil {
			return newError(KindBackendCommitFailed, "committing write", err)
		}
		v.cache.Put(rk, encoded)
		return nil
	}

	text, err := codec.TextFromEncoded(encoded)
	if err != nil {
		panic(fmt.Sprintf("ksafe: encoding value for key %q: %v", key, err))
	}
	aliasStr := alias(v.namespace, key)
	ciphertext, err := v.crypto.Encrypt(aliasStr, []byte(text))
	if err != nil {
		return newError(KindCryptoUnavailable, "encrypting value", err)
	}
	encodedCipher := base64.StdEncoding.EncodeToString(ciphertext)
	if err := v.backend.Edit(ctx, func(m prefstore.Mutator) { m.Put(rk, encodedCipher) }); err != nil {
		return newError(KindBackendCommitFailed, "committing encrypted write", err)
	}
	v.cache.Put(rk, encoded)
	return nil
}

// Delete is the suspending delete: a single-op edit removes both the
// unencrypted and encrypted raw forms of key, then the cache is
// updated, then the alias's CryptoEngine key is deleted.
func (v *Vault) Delete(ctx context.Context, key string) error {
	v.ensureObserverStarted()
	plainKey := rawKey(key, false)
	encKey := rawKey(key, true)
	aliasStr := alias(v.namespace, key)

	v.cache.MarkDirty(plainKey)
	v.cache.MarkDirty(encKey)

	if err := v.backend.Edit(ctx, func(m prefstore.Mutator) {
		m.Delete(plainKey)
		m.Delete(encKey)
	}); err != nil {
		return newError(KindBackendCommitFailed, "committing delete", err)
	}
	v.cache.Remove(plainKey)
	v.cache.Remove(encKey)

	if err := v.crypto.DeleteKey(aliasStr); err != nil {
		return newError(KindCryptoUnavailable, "deleting key", err)
	}
	return nil
}

// DeleteDirect is the non-suspending equivalent of Delete: it
// enqueues a Delete op and updates the cache and dirty set
// immediately, returning without waiting for the backend commit.
func (v *Vault) DeleteDirect(key string) {
	plainKey := rawKey(key, false)
	encKey := rawKey(key, true)
	aliasStr := alias(v.namespace, key)

	v.cache.MarkDirty(plainKey)
	v.cache.MarkDirty(encKey)
	v.cache.Remove(plainKey)
	v.cache.Remove(encKey)

	v.consumer.Enqueue(writequeue.Delete{
		RawKey:          plainKey,
		EncryptedRawKey: encKey,
		Alias:           aliasStr,
	})
}

// ClearAll is suspending: it clears the backend, clears every key the
// CryptoEngine has ever generated, and empties the cache.
func (v *Vault) ClearAll(ctx context.Context) error {
	v.ensureObserverStarted()
	if err := v.backend.Edit(ctx, func(m prefstore.Mutator) { m.Clear() }); err != nil {
		return newError(KindBackendCommitFailed, "clearing backend", err)
	}
	if err := v.crypto.ClearAll(); err != nil {
		return newError(KindCryptoUnavailable, "clearing crypto keys", err)
	}
	v.cache.Clear()
	return nil
}

// GetFlow returns a restartable stream of key's value: an immediate
// emission of the current value (def if absent), then a new emission
// on every subsequent distinct change. The returned cancel function
// stops the subscription; it is safe to call more than once.
func GetFlow[T any](ctx context.Context, v *Vault, key string, def T, encrypted bool) (<-chan T, func()) {
	v.ensureObserverStarted()

	out := make(chan T, 1)
	rk := rawKey(key, encrypted)
	aliasStr := alias(v.namespace, key)

	flowCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)

		var last T
		hasLast := false
		emit := func(val T) {
			if hasLast && reflect.DeepEqual(last, val) {
				return
			}
			last, hasLast = val, true
			select {
			case out <- val:
			case <-flowCtx.Done():
			}
		}

		if !v.cache.Initialized() {
			v.forceSyncSnapshot()
		}
		emit(resolveValue[T](v, key, def, encrypted))

		ch, subCancel := v.backend.Snapshots(flowCtx)
		defer subCancel()
		for {
			select {
			case <-flowCtx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				transformed := v.applySnapshot(snap)

				cachedVal, present := transformed[rk]
				var decoded T
				switch {
				case !present:
					decoded = def
				case !encrypted:
					decoded, _ = codec.TryDecode[T](cachedVal, def)
				default:
					decoded = resolveEncrypted[T](v, aliasStr, cachedVal, def)
				}
				emit(decoded)
			}
		}
	}()

	return out, cancel
}
