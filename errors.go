package ksafe

import "fmt"

// Kind identifies the taxonomy of errors a Vault can surface, per the
// error handling design: the read path never surfaces an error, the
// write path does.
type Kind int

const (
	// KindInvalidNamespace means the namespace option failed the
	// ^[a-z]+$ constraint. Construction-only.
	KindInvalidNamespace Kind = iota
	// KindInvalidConfig means an unsupported key size, a nonpositive
	// batch cap or timing option, or a missing PreferenceBackend was
	// supplied. Construction-only.
	KindInvalidConfig
	// KindSecurityViolation means a construction-time security probe
	// returned true under a "block" policy. Construction-only.
	KindSecurityViolation
	// KindCryptoUnavailable means the secure key store was locked or
	// lacked entitlement. Never triggers key regeneration.
	KindCryptoUnavailable
	// KindDecryptFailed means AEAD tag verification failed.
	KindDecryptFailed
	// KindKeyNotFound means decrypt was attempted against an alias
	// with no known key.
	KindKeyNotFound
	// KindParseFailed means the stored textual encoding could not be
	// parsed into the requested compound type.
	KindParseFailed
	// KindBackendCommitFailed means the PreferenceBackend edit of a
	// suspending Put, Delete or ClearAll failed; the cache is left
	// untouched. A failed coalesced batch is logged and dropped, not
	// returned as an error.
	KindBackendCommitFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidNamespace:
		return "invalid_namespace"
	case KindInvalidConfig:
		return "invalid_config"
	case KindSecurityViolation:
		return "security_violation"
	case KindCryptoUnavailable:
		return "crypto_unavailable"
	case KindDecryptFailed:
		return "decrypt_failed"
	case KindKeyNotFound:
		return "key_not_found"
	case KindParseFailed:
		return "parse_failed"
	case KindBackendCommitFailed:
		return "backend_commit_failed"
	default:
		return "unknown"
	}
}

// Error is the vault's typed error. Callers that care about the kind
// of failure should use errors.As to recover it, or compare Kind
// directly after a type assertion.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ksafe: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("ksafe: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &Error{Kind: KindCryptoUnavailable}) works without
// callers needing to build the exact message/wrapped error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// sentinels for errors.Is against a bare kind, e.g.
//
//	errors.Is(err, ErrCryptoUnavailable)
var (
	ErrInvalidNamespace    = &Error{Kind: KindInvalidNamespace}
	ErrInvalidConfig       = &Error{Kind: KindInvalidConfig}
	ErrSecurityViolation   = &Error{Kind: KindSecurityViolation}
	ErrCryptoUnavailable   = &Error{Kind: KindCryptoUnavailable}
	ErrDecryptFailed       = &Error{Kind: KindDecryptFailed}
	ErrKeyNotFound         = &Error{Kind: KindKeyNotFound}
	ErrParseFailed         = &Error{Kind: KindParseFailed}
	ErrBackendCommitFailed = &Error{Kind: KindBackendCommitFailed}
)
