// Package plc implements C1: PLC acquisition. A Driver is a closed
// capability-set interface (open/read_batch/subscribe/close) replacing the
// ad hoc duck-typed callbacks a first-pass design would reach for — the
// redesign §9 calls out explicitly. Concrete drivers (opcua,
// allen_bradley, siemens_s7) register themselves in a package-level
// registry at init time, the same pattern the teacher uses for pluggable
// anomaly scorers in contrib/scorer.go, just applied to field protocols
// instead of scoring algorithms.
package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oeecore/pipeline/internal/model"
)

// Driver is the capability set every PLC protocol adapter must implement.
// Drivers are not goroutine-safe across ReadBatch/Subscribe unless stated
// otherwise; callers own serialising calls to a single Driver instance.
type Driver interface {
	// Open establishes the protocol session. Returns a classified *errs.Error
	// on failure (KindAuth for TLS/credential failures, KindTransient for
	// network errors).
	Open(ctx context.Context) error

	// ReadBatch polls the configured tags once and returns one Sample per
	// tag, in the order the tags were configured. A tag that fails to read
	// is represented by a Sample with QualityBad rather than omitted (§4.1):
	// callers always get a fixed-shape batch.
	ReadBatch(ctx context.Context) ([]model.Sample, error)

	// Subscribe starts protocol-native change notification, if the backend
	// supports it, delivering samples to out until ctx is cancelled. Drivers
	// without native subscription support return errUnsupported; the caller
	// falls back to periodic ReadBatch polling.
	Subscribe(ctx context.Context, out chan<- model.Sample) error

	// Close releases the session. Safe to call on a Driver that was never
	// successfully Open'd.
	Close() error
}

// EndpointConfig is the subset of config.PLCEndpointConfig a Driver needs,
// decoupled from the config package to keep driver implementations free of
// a dependency on config parsing/validation.
type EndpointConfig struct {
	Name       string
	Endpoint   string
	SamplingMS int
	Tags       []string

	SecurityMode string
	TLSCA        string
	TLSCert      string
	TLSKey       string
	Username     string
	Password     string
}

// SamplingInterval returns the configured sampling period, or 1s if unset.
func (c EndpointConfig) SamplingInterval() time.Duration {
	if c.SamplingMS <= 0 {
		return time.Second
	}
	return time.Duration(c.SamplingMS) * time.Millisecond
}

// Factory constructs a Driver for one configured PLC endpoint.
type Factory func(cfg EndpointConfig) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterDriver registers a driver factory under name (e.g. "opcua",
// "allen_bradley", "siemens_s7"). Call from an init() function. Panics if
// name is already registered — a programming error, not a runtime
// condition.
func RegisterDriver(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("plc: driver %q already registered", name))
	}
	registry[name] = f
}

// Open constructs a Driver of the named type for cfg. Returns an error
// listing the registered driver names if the type is unknown — this is a
// config-time error (§4.1's "unsupported driver type" validation failure),
// not a runtime fault.
func Open(driverType string, cfg EndpointConfig) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[driverType]
	names := registeredNamesLocked()
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plc: unknown driver type %q (registered: %v)", driverType, names)
	}
	return f(cfg)
}

// RegisteredDrivers returns the names of all registered driver types, for
// config validation error messages.
func RegisteredDrivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredNamesLocked()
}

func registeredNamesLocked() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// errUnsupported is returned by Subscribe implementations that have no
// native change-notification support.
type errUnsupported struct{ driver string }

func (e *errUnsupported) Error() string {
	return fmt.Sprintf("plc: driver %q does not support Subscribe, use ReadBatch polling", e.driver)
}

// ErrUnsupported constructs the sentinel Subscribe returns when a driver
// has no native subscription support.
func ErrUnsupported(driver string) error { return &errUnsupported{driver: driver} }
