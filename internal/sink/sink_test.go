package sink

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/model"
)

// newTestSink builds a Sink without calling Connect (no real Postgres
// available in tests); callers must avoid triggering flush/writeBatch,
// which would dereference the nil pool.
func newTestSink(cfg Config) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = time.Second
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 60 * time.Second
	}
	return &Sink{cfg: cfg, log: zap.NewNop()}
}

func TestWriteAccumulatesBelowBatchSizeWithoutFlushing(t *testing.T) {
	s := newTestSink(Config{BatchSize: 10})
	for i := 0; i < 5; i++ {
		if err := s.Write(nil, model.NormalizedMetric{AssetRef: "press-03"}, uint64(i+1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 5 {
		t.Fatalf("pending rows = %d, want 5 (under BatchSize, no flush should occur)", pending)
	}
	writes, failures := s.Stats()
	if writes != 0 || failures != 0 {
		t.Fatalf("Stats should be untouched before any flush, got writes=%d failures=%d", writes, failures)
	}
}

func TestEnqueueRetryDropsOnFullAndFiresBackpressure(t *testing.T) {
	s := newTestSink(Config{RetryQueueSize: 1})
	var fired int
	s.OnBackpressure(func() { fired++ })

	s.enqueueRetry(batch{rows: []row{{}}})
	if s.RetryQueueDepth() != 1 {
		t.Fatalf("RetryQueueDepth = %d, want 1", s.RetryQueueDepth())
	}
	s.enqueueRetry(batch{rows: []row{{}}}) // queue is full now
	if s.RetryQueueDepth() != 1 {
		t.Fatalf("a full retry queue should drop the new batch, depth = %d, want 1", s.RetryQueueDepth())
	}
	if fired != 1 {
		t.Fatalf("OnBackpressure callback should fire exactly once when the queue overflows, fired = %d", fired)
	}
}
