// Package backpressure implements C5: the fill-ratio control law that
// widens PLC sampling intervals and suppresses low-priority signals when
// the store-and-forward buffer (C4) is filling faster than the uplink can
// drain it (§4.5).
//
// Structured the way the teacher's token bucket runs its refill loop: a
// dedicated goroutine on a time.Ticker owns all mutable state, exposed to
// callers only through thread-safe accessor methods.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Band is the backpressure severity level derived from the buffer's fill
// ratio against the two configured thresholds.
type Band int

const (
	// BandNormal: fill ratio below the first threshold. No action.
	BandNormal Band = iota
	// BandElevated: fill ratio at or above the first threshold (default
	// 0.5). Sampling intervals widen by the first multiplier (default 2x).
	BandElevated
	// BandCritical: fill ratio at or above the second threshold (default
	// 0.85). Sampling intervals widen by the second multiplier (default
	// 8x) and low-priority signal types are suppressed entirely.
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandNormal:
		return "normal"
	case BandElevated:
		return "elevated"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// FillRatioSource reports the current store-and-forward buffer fill ratio,
// satisfied by *sfbuffer.Buffer.
type FillRatioSource interface {
	FillRatio() float64
}

// Config holds the control law's thresholds, multipliers, and hysteresis
// dwell time (§4.5).
type Config struct {
	Thresholds  [2]float64 // elevated, critical
	Multipliers [2]float64 // applied at elevated, critical
	Hysteresis  time.Duration
}

// SamplingTarget receives the computed sampling multiplier, satisfied by
// *plc.Poller.
type SamplingTarget interface {
	SetSamplingMultiplier(mult float64)
}

// Controller periodically samples the buffer's fill ratio, computes the
// current band with hysteresis, and fans the resulting sampling multiplier
// out to every registered PLC poller.
type Controller struct {
	cfg    Config
	source FillRatioSource
	log    *zap.Logger

	mu           sync.Mutex
	band         Band
	bandSince    time.Time
	targets      []SamplingTarget
	currentRatio atomic.Uint64 // fixed-point *1e6

	tickInterval time.Duration
	stop         chan struct{}
}

// New constructs a Controller. tickInterval governs how often the fill
// ratio is re-evaluated; 1s is a reasonable default.
func New(cfg Config, source FillRatioSource, tickInterval time.Duration, log *zap.Logger) *Controller {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Controller{
		cfg:          cfg,
		source:       source,
		log:          log,
		tickInterval: tickInterval,
		bandSince:    time.Now(),
		stop:         make(chan struct{}),
	}
}

// RegisterTarget adds a poller whose sampling interval this controller
// should scale. Call before Run starts.
func (c *Controller) RegisterTarget(t SamplingTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, t)
}

// Run evaluates the fill ratio every tick until stopped, applying
// hysteresis: a band transition is only committed once it has held for
// Hysteresis continuously, preventing the multiplier from oscillating
// around a threshold boundary.
func (c *Controller) Run() {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	var pendingBand Band
	var pendingSince time.Time
	havePending := false

	for {
		select {
		case <-ticker.C:
			ratio := c.source.FillRatio()
			c.currentRatio.Store(uint64(ratio * 1e6))
			desired := c.bandFor(ratio)

			c.mu.Lock()
			current := c.band
			c.mu.Unlock()

			if desired == current {
				havePending = false
				continue
			}
			if !havePending || pendingBand != desired {
				pendingBand = desired
				pendingSince = time.Now()
				havePending = true
				continue
			}
			if time.Since(pendingSince) >= c.cfg.Hysteresis {
				c.commitBand(desired)
				havePending = false
			}
		case <-c.stop:
			return
		}
	}
}

// Stop terminates Run.
func (c *Controller) Stop() { close(c.stop) }

func (c *Controller) bandFor(ratio float64) Band {
	if ratio >= c.cfg.Thresholds[1] {
		return BandCritical
	}
	if ratio >= c.cfg.Thresholds[0] {
		return BandElevated
	}
	return BandNormal
}

func (c *Controller) multiplierFor(band Band) float64 {
	switch band {
	case BandElevated:
		return c.cfg.Multipliers[0]
	case BandCritical:
		return c.cfg.Multipliers[1]
	default:
		return 1.0
	}
}

func (c *Controller) commitBand(band Band) {
	c.mu.Lock()
	c.band = band
	c.bandSince = time.Now()
	targets := append([]SamplingTarget(nil), c.targets...)
	c.mu.Unlock()

	mult := c.multiplierFor(band)
	for _, t := range targets {
		t.SetSamplingMultiplier(mult)
	}
	c.log.Info("backpressure: band transition", zap.String("band", band.String()), zap.Float64("sampling_multiplier", mult))
}

// Band returns the currently committed band.
func (c *Controller) Band() Band {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.band
}

// SuppressLowPriority reports whether low-priority signal types
// (temperature, vibration per model.SignalType.LowPriority) should be
// dropped at the source under the current band (§4.5: only BandCritical
// suppresses).
func (c *Controller) SuppressLowPriority() bool {
	return c.Band() == BandCritical
}

// FillRatio returns the most recently observed fill ratio.
func (c *Controller) FillRatio() float64 {
	return float64(c.currentRatio.Load()) / 1e6
}
