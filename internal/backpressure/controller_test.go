package backpressure

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSource struct {
	mu    sync.Mutex
	ratio float64
}

func (f *fakeSource) set(r float64) {
	f.mu.Lock()
	f.ratio = r
	f.mu.Unlock()
}

func (f *fakeSource) FillRatio() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratio
}

type fakeTarget struct {
	mult atomic.Uint64 // fixed-point *1000
}

func (f *fakeTarget) SetSamplingMultiplier(mult float64) { f.mult.Store(uint64(mult * 1000)) }
func (f *fakeTarget) get() float64                       { return float64(f.mult.Load()) / 1000.0 }

func TestBandForThresholds(t *testing.T) {
	c := New(Config{Thresholds: [2]float64{0.5, 0.85}}, &fakeSource{}, time.Second, zap.NewNop())
	cases := []struct {
		ratio float64
		band  Band
	}{
		{0.1, BandNormal},
		{0.5, BandElevated},
		{0.7, BandElevated},
		{0.85, BandCritical},
		{0.99, BandCritical},
	}
	for _, c2 := range cases {
		if got := c.bandFor(c2.ratio); got != c2.band {
			t.Errorf("bandFor(%v) = %v, want %v", c2.ratio, got, c2.band)
		}
	}
}

func TestControllerCommitsBandAfterHysteresisDwell(t *testing.T) {
	source := &fakeSource{}
	target := &fakeTarget{}
	cfg := Config{
		Thresholds:  [2]float64{0.5, 0.85},
		Multipliers: [2]float64{2, 8},
		Hysteresis:  30 * time.Millisecond,
	}
	c := New(cfg, source, 5*time.Millisecond, zap.NewNop())
	c.RegisterTarget(target)

	go c.Run()
	defer c.Stop()

	source.set(0.9) // critical
	time.Sleep(10 * time.Millisecond)
	if c.Band() != BandNormal {
		t.Fatalf("band should not commit before the hysteresis dwell elapses, got %v", c.Band())
	}

	time.Sleep(60 * time.Millisecond)
	if c.Band() != BandCritical {
		t.Fatalf("band should commit to critical once the dwell elapses, got %v", c.Band())
	}
	if target.get() != 8 {
		t.Fatalf("sampling multiplier = %v, want 8 (critical band)", target.get())
	}
	if !c.SuppressLowPriority() {
		t.Fatal("SuppressLowPriority should be true in the critical band")
	}
}

func TestControllerOscillationDoesNotCommitWithoutSustainedDwell(t *testing.T) {
	source := &fakeSource{}
	cfg := Config{Thresholds: [2]float64{0.5, 0.85}, Multipliers: [2]float64{2, 8}, Hysteresis: 50 * time.Millisecond}
	c := New(cfg, source, 5*time.Millisecond, zap.NewNop())

	go c.Run()
	defer c.Stop()

	// Flip between bands faster than the hysteresis window so nothing ever commits.
	deadline := time.Now().Add(40 * time.Millisecond)
	toggle := false
	for time.Now().Before(deadline) {
		if toggle {
			source.set(0.1)
		} else {
			source.set(0.9)
		}
		toggle = !toggle
		time.Sleep(8 * time.Millisecond)
	}
	if c.Band() != BandNormal {
		t.Fatalf("oscillating fill ratio should never commit a transition, got %v", c.Band())
	}
}
