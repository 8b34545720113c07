// Package model defines the core data types shared across the pipeline:
// Tag Bindings, Samples, Normalized Metrics, and the closed signal_type
// vocabulary. These types have single-producer/single-consumer ownership as
// they flow between components — nothing here is safe to mutate from more
// than one goroutine concurrently.
package model

import "time"

// SignalType is the closed vocabulary a Tag Binding's signal is drawn from.
type SignalType string

const (
	SignalCounterTotal     SignalType = "counter.total"
	SignalCounterGood      SignalType = "counter.good"
	SignalCounterScrap     SignalType = "counter.scrap"
	SignalCycleTimeActual  SignalType = "cycle.time_actual"
	SignalCycleTimeIdeal   SignalType = "cycle.time_ideal"
	SignalStateRun         SignalType = "state.run"
	SignalStateIdle        SignalType = "state.idle"
	SignalStateDown        SignalType = "state.down"
	SignalFaultCode        SignalType = "fault.code"
	SignalFaultActive      SignalType = "fault.active"
	SignalRateInstant      SignalType = "rate.instant"
	SignalTemperature      SignalType = "temperature"
	SignalPressure         SignalType = "pressure"
	SignalVibration        SignalType = "vibration"
	SignalRollupOEE        SignalType = "rollup.oee"
	SignalStateBackpressure SignalType = "state.backpressure"
)

// validSignalTypes is the closed set accepted by config validation.
var validSignalTypes = map[SignalType]bool{
	SignalCounterTotal: true, SignalCounterGood: true, SignalCounterScrap: true,
	SignalCycleTimeActual: true, SignalCycleTimeIdeal: true,
	SignalStateRun: true, SignalStateIdle: true, SignalStateDown: true,
	SignalFaultCode: true, SignalFaultActive: true,
	SignalRateInstant: true, SignalTemperature: true, SignalPressure: true,
	SignalVibration: true,
}

// IsValid reports whether s is one of the fourteen source signal types
// recognised in Tag Bindings (rollup/backpressure synthetic types are
// produced internally, not bound from PLC tags).
func (s SignalType) IsValid() bool {
	return validSignalTypes[s]
}

// LowPriority reports whether s is suppressed under critical backpressure
// (§4.5): temperature and vibration are shed first, state/fault/counter
// signals are always retained.
func (s SignalType) LowPriority() bool {
	return s == SignalTemperature || s == SignalVibration
}

// Quality is the per-sample quality byte. Values match the OPC-UA-style
// quality semantics named in §3.
type Quality uint8

const (
	QualityBad       Quality = 0
	QualityUncertain Quality = 64
	QualityGood      Quality = 192
)

// TagBinding is the immutable triple (source_address, signal_type, asset_ref)
// plus the declarative conversion/deadband parameters from
// normalizer.mappings[*] (§6). Created at config load, destroyed only by
// config reload — never mutated at runtime.
type TagBinding struct {
	SourceAddress string
	SignalType    SignalType
	AssetRef      string

	Unit string

	// UnitScale/UnitOffset implement canonical = raw*scale + offset.
	UnitScale  float64
	UnitOffset float64

	MinQuality Quality

	DeadbandAbsolute float64
	DeadbandPercent  float64
}

// Bypasses DeadbandGate per §4.7 step 4: state/counter/fault signal types
// always pass through regardless of configured thresholds.
func (b TagBinding) BypassesDeadband() bool {
	switch b.SignalType {
	case SignalStateRun, SignalStateIdle, SignalStateDown,
		SignalCounterTotal, SignalCounterGood, SignalCounterScrap,
		SignalFaultCode, SignalFaultActive:
		return true
	default:
		return false
	}
}

// Sample is a raw reading: (timestamp, tag_binding key, value, quality).
// SourceAddress identifies the originating tag; it is resolved to a
// TagBinding by the Normalizer (C7).
type Sample struct {
	Timestamp     time.Time
	SourceAddress string
	Value         float64
	Quality       Quality

	// OutOfOrder is set by the driver/decoder when Timestamp regresses
	// relative to the last sample seen for this tag. Out-of-order samples
	// are tagged and routed but never reorder the in-memory series.
	OutOfOrder bool
}

// NormalizedMetric is the canonical, unit-converted, quality-gated output of
// the Normalizer (C7). All downstream components (C8, C9, C10) consume only
// this type.
type NormalizedMetric struct {
	AssetRef   string
	SignalType SignalType
	Timestamp  time.Time
	Value      float64
	Quality    Quality
	Unit       string

	// RawValue preserves the pre-conversion value for audit, only populated
	// when the binding requests it.
	RawValue *float64

	// MonotonicSeq is not set by the Normalizer and not read by the sink;
	// the sink takes the sequence of its dedup key as a Write argument.
	MonotonicSeq uint64
}

// DropReason enumerates why the Normalizer discarded a Sample (§4.7).
// These are data-quality outcomes, not errors: counted and logged at debug.
type DropReason string

const (
	DropNoMapping  DropReason = "no_mapping"
	DropLowQuality DropReason = "low_quality"
	DropDeadband   DropReason = "deadband"
)
