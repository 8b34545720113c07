// Package oee implements C8: rolling-window OEE calculation (§4.8).
// Availability x Performance x Quality over a configurable trailing
// window, re-evaluated on a fixed tick and emitted as a rollup.oee
// NormalizedMetric per asset.
package oee

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/model"
)

// Config configures the rolling window and tick cadence.
type Config struct {
	Window              time.Duration
	Tick                time.Duration
	CounterRolloverBits int
	MinCounterDecrease  float64
	IdealCycleFallback  float64
}

// Engine tracks one assetWindow per observed asset and periodically
// computes and emits rollup.oee metrics.
type Engine struct {
	mu      sync.Mutex
	windows map[string]*assetWindow
	cfg     Config
	log     *zap.Logger

	calcsTotal uint64
}

// New constructs an Engine.
func New(cfg Config, log *zap.Logger) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 60 * time.Second
	}
	if cfg.CounterRolloverBits == 0 {
		cfg.CounterRolloverBits = 32
	}
	return &Engine{windows: make(map[string]*assetWindow), cfg: cfg, log: log}
}

// Ingest folds a NormalizedMetric into its asset's rolling window. Only
// counter.*, cycle.time_ideal, and state.* signal types affect OEE; other
// signal types are accepted as no-ops so callers can route every metric
// through Ingest without pre-filtering.
func (e *Engine) Ingest(m model.NormalizedMetric) {
	switch m.SignalType {
	case model.SignalCounterTotal, model.SignalCounterGood, model.SignalCounterScrap,
		model.SignalCycleTimeIdeal, model.SignalStateRun, model.SignalStateIdle, model.SignalStateDown:
	default:
		return
	}
	e.windowFor(m.AssetRef).Ingest(m)
}

func (e *Engine) windowFor(assetRef string) *assetWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[assetRef]
	if !ok {
		w = newAssetWindow(e.cfg.Window, e.cfg.IdealCycleFallback, e.cfg.CounterRolloverBits, e.cfg.MinCounterDecrease)
		e.windows[assetRef] = w
	}
	return w
}

// Run ticks every e.cfg.Tick, computing each tracked asset's OEE and
// sending a rollup.oee NormalizedMetric (or, when the window had no
// planned time, an UNCERTAIN-quality placeholder) to out, until ctx is
// cancelled via stop.
func (e *Engine) Run(stop <-chan struct{}, out chan<- model.NormalizedMetric) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.tick(out)
		case <-stop:
			return
		}
	}
}

func (e *Engine) tick(out chan<- model.NormalizedMetric) {
	now := time.Now().UTC()
	e.mu.Lock()
	assets := make([]string, 0, len(e.windows))
	wins := make([]*assetWindow, 0, len(e.windows))
	for ref, w := range e.windows {
		assets = append(assets, ref)
		wins = append(wins, w)
	}
	e.mu.Unlock()

	for i, ref := range assets {
		result := wins[i].Compute(now)
		e.mu.Lock()
		e.calcsTotal++
		e.mu.Unlock()

		quality := model.QualityGood
		if result.PlannedZero {
			quality = model.QualityUncertain
		}
		out <- model.NormalizedMetric{
			AssetRef:   ref,
			SignalType: model.SignalRollupOEE,
			Timestamp:  now,
			Value:      result.OEE,
			Quality:    quality,
			Unit:       "ratio",
		}
	}
}

// CalcsTotal returns the cumulative number of per-asset OEE calculations
// performed, for the observability metrics bridge.
func (e *Engine) CalcsTotal() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calcsTotal
}
