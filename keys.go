package ksafe

// encryptedPrefix is the fixed literal prepended to a client key to
// form the raw cache key (and persisted preference key) for an
// encrypted value. Stable on disk; must never change.
const encryptedPrefix = "encrypted_"

// rawKey returns the internal key under which a client key's value is
// cached/persisted, applying the encrypted_ prefix when requested.
func rawKey(clientKey string, encrypted bool) string {
	if encrypted {
		return encryptedPrefix + clientKey
	}
	return clientKey
}

// alias returns the secure-store alias for a client key: namespace +
// ":" + key when a namespace is configured, else the client key
// verbatim.
func alias(namespace, clientKey string) string {
	if namespace == "" {
		return clientKey
	}
	return namespace + ":" + clientKey
}
