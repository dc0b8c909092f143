package cryptoengine

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ksafevault/ksafe/internal/prefstore"
)

// keyStoragePrefix is the preference-entry prefix used when key
// material lives inside the preference backend itself rather than an
// OS-provided secure key store, per the stable on-disk layout.
const keyStoragePrefix = "ksafe_key_"

// PreferenceBackendKeyStore is a KeyStore that persists each alias's
// key as a base64 string entry in a PreferenceBackend, for callers
// with no OS-provided secure key store available. Keys then share the
// durability of the backend's own preference data, so encrypted
// values survive a process restart instead of becoming permanently
// undecryptable once an in-process MemoryKeyStore is gone.
type PreferenceBackendKeyStore struct {
	backend prefstore.Backend
}

// NewPreferenceBackendKeyStore wraps backend as a KeyStore.
func NewPreferenceBackendKeyStore(backend prefstore.Backend) *PreferenceBackendKeyStore {
	return &PreferenceBackendKeyStore{backend: backend}
}

func (s *PreferenceBackendKeyStore) Get(alias string) ([]byte, bool, error) {
	snap, err := s.backend.CurrentSnapshot(context.Background())
	if err != nil {
		return nil, false, fmt.Errorf("cryptoengine: reading key for alias %q: %w", alias, err)
	}
	stored, ok := snap[keyStoragePrefix+alias]
	if !ok {
		return nil, false, nil
	}
	s2, ok := stored.(string)
	if !ok {
		return nil, false, fmt.Errorf("cryptoengine: key for alias %q stored as unexpected type %T", alias, stored)
	}
	key, err := base64.StdEncoding.DecodeString(s2)
	if err != nil {
		return nil, false, fmt.Errorf("cryptoengine: decoding key for alias %q: %w", alias, err)
	}
	return key, true, nil
}

func (s *PreferenceBackendKeyStore) Put(alias string, key []byte) error {
	encoded := base64.StdEncoding.EncodeToString(key)
	return s.backend.Edit(context.Background(), func(m prefstore.Mutator) {
		m.Put(keyStoragePrefix+alias, encoded)
	})
}

func (s *PreferenceBackendKeyStore) Delete(alias string) error {
	return s.backend.Edit(context.Background(), func(m prefstore.Mutator) {
		m.Delete(keyStoragePrefix + alias)
	})
}
