// Package normalizer implements C7: the ordered Sample -> NormalizedMetric
// pipeline (lookup binding, quality gate, unit conversion, deadband,
// stamp — §4.7). The pipeline is a pure function of (Sample, current
// last-value state) with no hidden global state, so it is safe to reason
// about as idempotent: re-processing the same Sample against the same
// last-value snapshot always yields the same outcome.
package normalizer

import (
	"sync"
	"sync/atomic"

	"github.com/oeecore/pipeline/internal/model"
)

// BackpressureSignal reports whether low-priority signal types should be
// suppressed at the source under the current backpressure band (§4.5),
// satisfied by *backpressure.Controller.
type BackpressureSignal interface {
	SuppressLowPriority() bool
}

// Normalizer holds the immutable Tag Binding table (replaced wholesale by
// ReplaceBindings, never mutated in place) and the per-(asset,signal)
// last-emitted-value state the deadband gate compares against.
type Normalizer struct {
	mu       sync.RWMutex
	bindings map[string]model.TagBinding // source_address -> binding

	lastMu     sync.Mutex
	lastValues map[string]float64 // assetRef|signalType -> last emitted value

	backpressure BackpressureSignal

	droppedNoMapping  atomic.Uint64
	droppedLowQuality atomic.Uint64
	droppedDeadband   atomic.Uint64
	emittedTotal      atomic.Uint64
}

// New constructs a Normalizer from the configured Tag Bindings.
func New(bindings []model.TagBinding, bp BackpressureSignal) *Normalizer {
	n := &Normalizer{
		bindings:     make(map[string]model.TagBinding, len(bindings)),
		lastValues:   make(map[string]float64),
		backpressure: bp,
	}
	for _, b := range bindings {
		n.bindings[b.SourceAddress] = b
	}
	return n
}

// ReplaceBindings atomically swaps in a new Tag Binding table, for
// non-destructive config reload (§ambient config contract): in-flight
// last-value state is preserved since it's keyed by (asset,signal), not
// by binding identity.
func (n *Normalizer) ReplaceBindings(bindings []model.TagBinding) {
	next := make(map[string]model.TagBinding, len(bindings))
	for _, b := range bindings {
		next[b.SourceAddress] = b
	}
	n.mu.Lock()
	n.bindings = next
	n.mu.Unlock()
}

func lastValueKey(assetRef string, signal model.SignalType) string {
	return assetRef + "|" + string(signal)
}

// Process runs one Sample through the four-step pipeline, returning the
// resulting NormalizedMetric and ok=true if it should be emitted
// downstream, or ok=false with the DropReason otherwise.
func (n *Normalizer) Process(s model.Sample) (model.NormalizedMetric, model.DropReason, bool) {
	n.mu.RLock()
	binding, found := n.bindings[s.SourceAddress]
	n.mu.RUnlock()
	if !found {
		n.droppedNoMapping.Add(1)
		return model.NormalizedMetric{}, model.DropNoMapping, false
	}

	if n.backpressure != nil && n.backpressure.SuppressLowPriority() && binding.SignalType.LowPriority() {
		n.droppedLowQuality.Add(1)
		return model.NormalizedMetric{}, model.DropLowQuality, false
	}

	if s.Quality < binding.MinQuality {
		n.droppedLowQuality.Add(1)
		return model.NormalizedMetric{}, model.DropLowQuality, false
	}

	scale := binding.UnitScale
	if scale == 0 {
		scale = 1 // unset scale: identity conversion
	}
	converted := s.Value*scale + binding.UnitOffset

	if !binding.BypassesDeadband() {
		key := lastValueKey(binding.AssetRef, binding.SignalType)
		n.lastMu.Lock()
		last, hasLast := n.lastValues[key]
		within := hasLast && withinDeadband(last, converted, binding.DeadbandAbsolute, binding.DeadbandPercent)
		if !within {
			n.lastValues[key] = converted
		}
		n.lastMu.Unlock()
		if within {
			n.droppedDeadband.Add(1)
			return model.NormalizedMetric{}, model.DropDeadband, false
		}
	}

	raw := s.Value
	metric := model.NormalizedMetric{
		AssetRef:   binding.AssetRef,
		SignalType: binding.SignalType,
		Timestamp:  s.Timestamp,
		Value:      converted,
		Quality:    s.Quality,
		Unit:       binding.Unit,
		RawValue:   &raw,
	}
	n.emittedTotal.Add(1)
	return metric, "", true
}

// withinDeadband reports whether newVal is close enough to last to be
// suppressed (§4.7 step 4): within DeadbandAbsolute, OR within
// DeadbandPercent of last's magnitude — either gate crossing suppresses,
// not both.
func withinDeadband(last, newVal, absThresh, pctThresh float64) bool {
	if absThresh == 0 && pctThresh == 0 {
		return false // no deadband configured: never suppress
	}
	delta := newVal - last
	if delta < 0 {
		delta = -delta
	}
	if absThresh > 0 && delta < absThresh {
		return true
	}
	if pctThresh > 0 {
		base := last
		if base < 0 {
			base = -base
		}
		if base > 0 && delta/base < pctThresh {
			return true
		}
	}
	return false
}

// Stats returns the cumulative per-reason drop counters and the emitted
// total, for the observability metrics bridge.
func (n *Normalizer) Stats() (noMapping, lowQuality, deadband, emitted uint64) {
	return n.droppedNoMapping.Load(), n.droppedLowQuality.Load(), n.droppedDeadband.Load(), n.emittedTotal.Load()
}
