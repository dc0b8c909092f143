// Package cryptoengine provides per-identifier symmetric authenticated
// encryption with race-free lazy key generation. Keys are cached
// in-memory after first use; each alias gets its own lock, created on
// demand and scoped to the Engine instance (never interned in a
// shared global pool), so unrelated aliases never contend and a
// concurrent creation can never repopulate a just-deleted alias.
package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Sentinel errors. Callers that need the full ksafe.Error taxonomy
// wrap these with errors.Is.
var (
	// ErrUnavailable means the KeyStore was locked, unreachable, or
	// lacked entitlement. It is never treated as "absent" — a key is
	// only ever generated when the store authoritatively reports none
	// exists, so a transient failure can never cause silent key
	// regeneration and the data loss that would follow.
	ErrUnavailable = errors.New("cryptoengine: key store unavailable")
	// ErrDecryptFailed means AEAD tag verification failed.
	ErrDecryptFailed = errors.New("cryptoengine: decryption failed")
	// ErrKeyNotFound means decrypt was attempted against an alias with
	// no known key. Decrypt never creates one.
	ErrKeyNotFound = errors.New("cryptoengine: key not found")
)

const (
	nonceSize = 12
	tagSize   = 16
)

// KeyStore is the external collaborator: an opaque map from alias to
// symmetric key, as an OS-provided secure key store would expose it.
type KeyStore interface {
	Get(alias string) (key []byte, found bool, err error)
	Put(alias string, key []byte) error
	Delete(alias string) error
}

// Recorder receives crypto-engine telemetry. Implementations must be
// safe for concurrent use. Nil is permitted everywhere a Recorder is
// accepted.
type Recorder interface {
	KeyGenerated()
	Unavailable()
}

// Config configures a new Engine.
type Config struct {
	// KeySizeBits is 128 or 256.
	KeySizeBits int
	Store       KeyStore
	Logger      hclog.Logger
	Recorder    Recorder
}

// Engine implements per-alias AEAD with lazy, exactly-once key
// creation.
type Engine struct {
	store    KeyStore
	keySize  int // bytes
	logger   hclog.Logger
	recorder Recorder

	keys  sync.Map // alias string -> []byte
	locks sync.Map // alias string -> *sync.Mutex
}

// New constructs an Engine. KeySizeBits must be 128 or 256.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("cryptoengine: Store is required")
	}
	bytes := cfg.KeySizeBits / 8
	if cfg.KeySizeBits != 128 && cfg.KeySizeBits != 256 {
		return nil, fmt.Errorf("cryptoengine: unsupported key size %d bits", cfg.KeySizeBits)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		store:    cfg.Store,
		keySize:  bytes,
		logger:   logger.Named("cryptoengine"),
		recorder: cfg.Recorder,
	}, nil
}

func (e *Engine) lockFor(alias string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(alias, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// getOrCreate performs: lock-free cache check, acquire the alias's
// lock, re-check cache, read the store, and — only if the store
// authoritatively reports no key — generate, persist, and cache a
// fresh one. The same lock guards DeleteKey, so a concurrent creation
// can never repopulate a just-deleted alias.
func (e *Engine) getOrCreate(alias string) ([]byte, error) {
	if v, ok := e.keys.Load(alias); ok {
		return v.([]byte), nil
	}

	mu := e.lockFor(alias)
	mu.Lock()
	defer mu.Unlock()

	if v, ok := e.keys.Load(alias); ok {
		return v.([]byte), nil
	}

	key, found, err := e.store.Get(alias)
	if err != nil {
		e.record(func(r Recorder) { r.Unavailable() })
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !found {
		key = make([]byte, e.keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: generating key: %v", ErrUnavailable, err)
		}
		if err := e.store.Put(alias, key); err != nil {
			e.record(func(r Recorder) { r.Unavailable() })
			return nil, fmt.Errorf("%w: persisting key: %v", ErrUnavailable, err)
		}
		e.logger.Debug("generated key", "alias", alias, "bits", e.keySize*8)
		e.record(func(r Recorder) { r.KeyGenerated() })
	}

	e.keys.Store(alias, key)
	return key, nil
}

// lookup is getOrCreate without the generate-on-absent step, used by
// Decrypt: an unknown alias on read is a KeyNotFound error, never a
// fresh key.
func (e *Engine) lookup(alias string) ([]byte, error) {
	if v, ok := e.keys.Load(alias); ok {
		return v.([]byte), nil
	}

	mu := e.lockFor(alias)
	mu.Lock()
	defer mu.Unlock()

	if v, ok := e.keys.Load(alias); ok {
		return v.([]byte), nil
	}

	key, found, err := e.store.Get(alias)
	if err != nil {
		e.record(func(r Recorder) { r.Unavailable() })
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	e.keys.Store(alias, key)
	return key, nil
}

func aeadFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns nonce(12) || ciphertext || tag(16) as one
// contiguous buffer, generating the alias's key on first use.
func (e *Engine) Encrypt(alias string, plaintext []byte) ([]byte, error) {
	key, err := e.getOrCreate(alias)
	if err != nil {
		return nil, err
	}
	gcm, err := aeadFor(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoengine: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt consumes nonce(12) || ciphertext || tag(16). It never
// creates a key: an unknown alias is ErrKeyNotFound, and tag
// verification failure is ErrDecryptFailed.
func (e *Engine) Decrypt(alias string, data []byte) ([]byte, error) {
	if len(data) < nonceSize+tagSize {
		return nil, ErrDecryptFailed
	}
	key, err := e.lookup(alias)
	if err != nil {
		return nil, err
	}
	gcm, err := aeadFor(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: %w", err)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// DeleteKey removes the cached and persisted copies of alias's key,
// holding the same per-alias lock Encrypt's lazy creation does so a
// racing getOrCreate cannot repopulate the alias mid-delete.
// Idempotent.
func (e *Engine) DeleteKey(alias string) error {
	mu := e.lockFor(alias)
	mu.Lock()
	defer mu.Unlock()

	e.keys.Delete(alias)
	if err := e.store.Delete(alias); err != nil {
		return fmt.Errorf("cryptoengine: deleting key for %q: %w", alias, err)
	}
	return nil
}

// ClearAll deletes every alias the Engine has ever cached a key for.
// Per-alias failures are aggregated with go-multierror rather than
// aborting on the first one, matching the "all-or-best-effort" batch
// teardown texture the backing store's own key-wipe operations use.
func (e *Engine) ClearAll() error {
	var aliases []string
	e.keys.Range(func(k, _ any) bool {
		aliases = append(aliases, k.(string))
		return true
	})

	var result *multierror.Error
	for _, alias := range aliases {
		if err := e.DeleteKey(alias); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (e *Engine) record(fn func(Recorder)) {
	if e.recorder != nil {
		fn(e.recorder)
	}
}
