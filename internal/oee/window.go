package oee

import (
	"sync"
	"time"

	"github.com/oeecore/pipeline/internal/model"
)

// counterPoint is one corrected (rollover-adjusted) cumulative counter
// observation.
type counterPoint struct {
	at        time.Time
	cumulative float64
}

// stateSpan records when an asset entered a run/idle/down state; the span
// extends until the next recorded stateSpan (or now, for the most recent).
type stateSpan struct {
	state model.SignalType
	start time.Time
}

// assetWindow is the rolling-window state machine for one asset. All
// history slices are pruned to windowDuration plus one extra point behind
// the window edge (needed to interpolate a span/delta that starts before
// the window and ends inside it), bounding memory per §8.
type assetWindow struct {
	mu sync.Mutex

	windowDuration time.Duration

	totalHistory []counterPoint
	goodHistory  []counterPoint
	scrapHistory []counterPoint

	cumulativeTotal float64
	cumulativeGood  float64
	cumulativeScrap float64
	haveRawTotal    bool
	haveRawGood     bool
	haveRawScrap    bool
	lastRawTotal    float64
	lastRawGood     float64
	lastRawScrap    float64

	states       []stateSpan
	idealCycle   float64
	rolloverBits int
	minDecrease  float64

	anomalousResets uint64
}

func newAssetWindow(windowDuration time.Duration, idealCycleFallback float64, rolloverBits int, minDecrease float64) *assetWindow {
	return &assetWindow{
		windowDuration: windowDuration,
		idealCycle:     idealCycleFallback,
		rolloverBits:   rolloverBits,
		minDecrease:    minDecrease,
	}
}

// Ingest folds one NormalizedMetric into the asset's window state.
func (w *assetWindow) Ingest(m model.NormalizedMetric) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch m.SignalType {
	case model.SignalCounterTotal:
		w.ingestCounter(&w.totalHistory, &w.cumulativeTotal, &w.haveRawTotal, &w.lastRawTotal, m)
	case model.SignalCounterGood:
		w.ingestCounter(&w.goodHistory, &w.cumulativeGood, &w.haveRawGood, &w.lastRawGood, m)
	case model.SignalCounterScrap:
		w.ingestCounter(&w.scrapHistory, &w.cumulativeScrap, &w.haveRawScrap, &w.lastRawScrap, m)
	case model.SignalCycleTimeIdeal:
		w.idealCycle = m.Value
	case model.SignalStateRun, model.SignalStateIdle, model.SignalStateDown:
		w.states = append(w.states, stateSpan{state: m.SignalType, start: m.Timestamp})
	}
	w.prune(m.Timestamp)
}

func (w *assetWindow) ingestCounter(hist *[]counterPoint, cumulative *float64, have *bool, lastRaw *float64, m model.NormalizedMetric) {
	if !*have {
		*have = true
		*lastRaw = m.Value
		*cumulative = m.Value
		*hist = append(*hist, counterPoint{at: m.Timestamp, cumulative: *cumulative})
		return
	}
	delta, ok := correctCounter(*lastRaw, m.Value, w.rolloverBits, w.minDecrease)
	*lastRaw = m.Value
	if !ok {
		w.anomalousResets++
		return
	}
	*cumulative += delta
	*hist = append(*hist, counterPoint{at: m.Timestamp, cumulative: *cumulative})
}

func (w *assetWindow) prune(now time.Time) {
	cutoff := now.Add(-w.windowDuration)
	w.totalHistory = pruneCounterHistory(w.totalHistory, cutoff)
	w.goodHistory = pruneCounterHistory(w.goodHistory, cutoff)
	w.scrapHistory = pruneCounterHistory(w.scrapHistory, cutoff)
	w.states = pruneStateHistory(w.states, cutoff)
}

func pruneCounterHistory(hist []counterPoint, cutoff time.Time) []counterPoint {
	// Keep one point at or before cutoff (to interpolate the window-entry
	// delta) plus everything after.
	keepFrom := 0
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].at.Before(cutoff) {
			keepFrom = i
			break
		}
	}
	if keepFrom == 0 {
		return hist
	}
	return hist[keepFrom:]
}

func pruneStateHistory(states []stateSpan, cutoff time.Time) []stateSpan {
	keepFrom := 0
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].start.Before(cutoff) {
			keepFrom = i
			break
		}
	}
	if keepFrom == 0 {
		return states
	}
	return states[keepFrom:]
}

// Result is the computed OEE figure for one asset over its rolling window.
type Result struct {
	AssetRef     string
	Availability float64
	Performance  float64
	Quality      float64
	OEE          float64
	PlannedZero  bool // true when the window had no planned time to measure against
}

// Compute evaluates the rolling-window OEE formula at `now` (§4.8):
// Availability = RunTime/PlannedTime, Performance = IdealCycleTime*Count/RunTime,
// Quality = GoodCount/TotalCount, OEE = Availability*Performance*Quality.
// PlannedTime is the full window duration, since no distinct planned-downtime
// signal is named in the Tag Binding vocabulary; a state.down span is
// unplanned downtime within that planned window.
func (w *assetWindow) Compute(now time.Time) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	windowStart := now.Add(-w.windowDuration)
	plannedTime := now.Sub(windowStart)
	if plannedTime <= 0 {
		return Result{PlannedZero: true}
	}

	runTime := runDurationWithin(w.states, windowStart, now)
	totalDelta := counterDeltaWithin(w.totalHistory, windowStart, now)
	goodDelta := counterDeltaWithin(w.goodHistory, windowStart, now)

	availability := runTime.Seconds() / plannedTime.Seconds()
	availability = clamp01(availability)

	var performance float64
	if runTime > 0 && w.idealCycle > 0 {
		performance = clamp01((w.idealCycle * totalDelta) / runTime.Seconds())
	}

	var quality float64
	if totalDelta > 0 {
		quality = clamp01(goodDelta / totalDelta)
	}

	return Result{
		Availability: availability,
		Performance:  performance,
		Quality:      quality,
		OEE:          availability * performance * quality,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// runDurationWithin sums the portion of every state.run span that
// overlaps [windowStart, now].
func runDurationWithin(states []stateSpan, windowStart, now time.Time) time.Duration {
	var total time.Duration
	for i, s := range states {
		end := now
		if i+1 < len(states) {
			end = states[i+1].start
		}
		if s.state != model.SignalStateRun {
			continue
		}
		start := s.start
		if start.Before(windowStart) {
			start = windowStart
		}
		if end.After(now) {
			end = now
		}
		if end.After(start) {
			total += end.Sub(start)
		}
	}
	return total
}

// counterDeltaWithin returns the cumulative counter increase between the
// last point at or before windowStart (interpolation anchor) and the
// latest point at or before now.
func counterDeltaWithin(hist []counterPoint, windowStart, now time.Time) float64 {
	if len(hist) == 0 {
		return 0
	}
	var anchor, latest *counterPoint
	for i := range hist {
		p := &hist[i]
		if !p.at.After(windowStart) {
			anchor = p
		}
		if !p.at.After(now) {
			latest = p
		}
	}
	if latest == nil {
		return 0
	}
	if anchor == nil {
		anchor = &hist[0]
	}
	d := latest.cumulative - anchor.cumulative
	if d < 0 {
		return 0
	}
	return d
}
