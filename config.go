package ksafe

import (
	"fmt"
	"regexp"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ksafevault/ksafe/internal/cryptoengine"
	"github.com/ksafevault/ksafe/internal/prefstore"
)

// MemoryPolicy controls how encrypted entries are cached between the
// backend and a read.
type MemoryPolicy int

const (
	// PlaintextInMemory decrypts encrypted entries immediately on
	// snapshot and caches canonical plaintext; reads are pure memory.
	PlaintextInMemory MemoryPolicy = iota
	// CiphertextInMemory caches the raw base64 string on snapshot;
	// reads pay one decrypt per call.
	CiphertextInMemory
)

func (p MemoryPolicy) String() string {
	if p == CiphertextInMemory {
		return "ciphertext-in-memory"
	}
	return "plaintext-in-memory"
}

// PolicyAction is the response a SecurityPolicy check takes when its
// probe is satisfied.
type PolicyAction int

const (
	// ActionIgnore takes no action.
	ActionIgnore PolicyAction = iota
	// ActionWarn invokes OnViolation, then proceeds.
	ActionWarn
	// ActionBlock fails construction with a security-violation error.
	ActionBlock
)

func parsePolicyAction(s string) (PolicyAction, error) {
	switch s {
	case "", "ignore":
		return ActionIgnore, nil
	case "warn":
		return ActionWarn, nil
	case "block":
		return ActionBlock, nil
	default:
		return ActionIgnore, fmt.Errorf("unrecognized policy action %q", s)
	}
}

// SecurityPolicy configures construction-time device-posture checks.
// Each field's check runs once, at New, never on the data path.
type SecurityPolicy struct {
	RootedDevice     PolicyAction
	DebuggerAttached PolicyAction
	DebugBuild       PolicyAction
	Emulator         PolicyAction

	// OnViolation is invoked (if non-nil) for every check whose
	// action is ActionWarn and whose probe is satisfied.
	OnViolation func(check string)
}

// CryptoConfig configures the CryptoEngine a Vault constructs.
type CryptoConfig struct {
	// KeySizeBits is 128 or 256. Default: 256.
	KeySizeBits int
}

// Options holds every recognized Vault construction option.
type Options struct {
	Namespace      string
	LazyLoad       bool
	MemoryPolicy   MemoryPolicy
	Crypto         CryptoConfig
	Security       SecurityPolicy
	BatchCap       int
	CoalesceWindow time.Duration

	Logger          hclog.Logger
	KeyStore        cryptoengine.KeyStore
	Backend         prefstore.Backend
	MetricsRegistry prometheus.Registerer
}

// Option mutates Options during construction.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		MemoryPolicy:   PlaintextInMemory,
		Crypto:         CryptoConfig{KeySizeBits: 256},
		BatchCap:       50,
		CoalesceWindow: 16 * time.Millisecond,
	}
}

// WithNamespace sets the logical namespace, constrained to ^[a-z]+$.
func WithNamespace(namespace string) Option {
	return func(o *Options) { o.Namespace = namespace }
}

// WithLazyLoad defers background snapshot observation until the
// first suspending call.
func WithLazyLoad(lazy bool) Option {
	return func(o *Options) { o.LazyLoad = lazy }
}

// WithMemoryPolicy sets the encrypted-entry caching policy.
func WithMemoryPolicy(policy MemoryPolicy) Option {
	return func(o *Options) { o.MemoryPolicy = policy }
}

// WithCryptoKeySize sets the AEAD key size in bits; 128 or 256.
func WithCryptoKeySize(bits int) Option {
	return func(o *Options) { o.Crypto.KeySizeBits = bits }
}

// WithSecurityPolicy sets the construction-time device-posture policy.
func WithSecurityPolicy(policy SecurityPolicy) Option {
	return func(o *Options) { o.Security = policy }
}

// WithBatchCap sets the write-coalescer's batch size cap.
func WithBatchCap(cap int) Option {
	return func(o *Options) { o.BatchCap = cap }
}

// WithCoalesceWindow sets the write-coalescer's coalescing window.
func WithCoalesceWindow(d time.Duration) Option {
	return func(o *Options) { o.CoalesceWindow = d }
}

// WithLogger supplies a structured logger; default is a null logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithKeyStore supplies the secure key store backing the
// CryptoEngine; default persists keys inside the configured
// preference backend via PreferenceBackendKeyStore.
func WithKeyStore(store cryptoengine.KeyStore) Option {
	return func(o *Options) { o.KeyStore = store }
}

// WithBackend supplies the durable PreferenceBackend. It is always
// required; FromMap cannot set it.
func WithBackend(backend prefstore.Backend) Option {
	return func(o *Options) { o.Backend = backend }
}

// WithMetricsRegistry supplies the prometheus.Registerer metrics
// register against; default is a private registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *Options) { o.MetricsRegistry = reg }
}

var namespacePattern = regexp.MustCompile(`^[a-z]+$`)

// validate enforces §6/§7's construction-time checks, independent of
// the security-policy probes (those run separately since they invoke
// platform probes, not pure validation).
func (o *Options) validate() error {
	if o.Namespace != "" && !namespacePattern.MatchString(o.Namespace) {
		return newError(KindInvalidNamespace, fmt.Sprintf("namespace %q must match ^[a-z]+$", o.Namespace), nil)
	}
	if o.Crypto.KeySizeBits != 128 && o.Crypto.KeySizeBits != 256 {
		return newError(KindInvalidConfig, fmt.Sprintf("unsupported crypto key size %d bits", o.Crypto.KeySizeBits), nil)
	}
	if o.BatchCap <= 0 {
		return newError(KindInvalidConfig, "batch cap must be positive", nil)
	}
	if o.CoalesceWindow <= 0 {
		return newError(KindInvalidConfig, "coalesce window must be positive", nil)
	}
	if o.Backend == nil {
		return newError(KindInvalidConfig, "a PreferenceBackend is required", nil)
	}
	return nil
}

// rawOptions is the mapstructure decode target for FromMap: loosely
// typed fields parsed with parseutil/strutil the way the teacher
// parses its own HTTP-field-style configuration.
type rawOptions struct {
	Namespace        string `mapstructure:"namespace"`
	LazyLoad         string `mapstructure:"lazy_load"`
	MemoryPolicy     string `mapstructure:"memory_policy"`
	CryptoKeySize    string `mapstructure:"crypto_key_size"`
	BatchCap         string `mapstructure:"batch_cap"`
	CoalesceWindow   string `mapstructure:"coalesce_window"`
	RootedDevice     string `mapstructure:"security_rooted_device"`
	DebuggerAttached string `mapstructure:"security_debugger_attached"`
	DebugBuild       string `mapstructure:"security_debug_build"`
	Emulator         string `mapstructure:"security_emulator"`
}

// FromMap builds Options from a generic map of loosely typed values,
// the construction path an embedding application reaches for when its
// own configuration loader already hands it a map[string]interface{}
// (e.g. parsed from JSON/HCL), rather than wiring functional options
// by hand. Backend and KeyStore are not settable through FromMap —
// supply them with WithBackend/WithKeyStore on the returned Options.
func FromMap(m map[string]interface{}) (*Options, error) {
	var raw rawOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("ksafe: building decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, newError(KindInvalidConfig, "decoding options map", err)
	}

	opts := defaultOptions()
	opts.Namespace = raw.Namespace

	if raw.LazyLoad != "" {
		lazy, err := parseutil.ParseBool(raw.LazyLoad)
		if err != nil {
			return nil, newError(KindInvalidConfig, "parsing lazy_load", err)
		}
		opts.LazyLoad = lazy
	}

	if raw.MemoryPolicy != "" {
		allowed := []string{"plaintext-in-memory", "ciphertext-in-memory"}
		if !strutil.StrListContains(allowed, raw.MemoryPolicy) {
			return nil, newError(KindInvalidConfig, fmt.Sprintf("memory_policy must be one of %v", allowed), nil)
		}
		if raw.MemoryPolicy == "ciphertext-in-memory" {
			opts.MemoryPolicy = CiphertextInMemory
		} else {
			opts.MemoryPolicy = PlaintextInMemory
		}
	}

	if raw.CryptoKeySize != "" {
		bits, err := parseutil.ParseInt(raw.CryptoKeySize)
		if err != nil {
			return nil, newError(KindInvalidConfig, "parsing crypto_key_size", err)
		}
		opts.Crypto.KeySizeBits = int(bits)
	}

	if raw.BatchCap != "" {
		cap, err := parseutil.ParseInt(raw.BatchCap)
		if err != nil {
			return nil, newError(KindInvalidConfig, "parsing batch_cap", err)
		}
		opts.BatchCap = int(cap)
	}

	if raw.CoalesceWindow != "" {
		d, err := parseutil.ParseDurationSecond(raw.CoalesceWindow)
		if err != nil {
			return nil, newError(KindInvalidConfig, "parsing coalesce_window", err)
		}
		opts.CoalesceWindow = d
	}

	sec := SecurityPolicy{}
	for _, pair := range []struct {
		raw    string
		target *PolicyAction
	}{
		{raw.RootedDevice, &sec.RootedDevice},
		{raw.DebuggerAttached, &sec.DebuggerAttached},
		{raw.DebugBuild, &sec.DebugBuild},
		{raw.Emulator, &sec.Emulator},
	} {
		action, err := parsePolicyAction(pair.raw)
		if err != nil {
			return nil, newError(KindInvalidConfig, "parsing security policy", err)
		}
		*pair.target = action
	}
	opts.Security = sec

	return &opts, nil
}
