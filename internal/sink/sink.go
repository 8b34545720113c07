// Package sink implements C10: the batched Postgres writer at the end of
// the pipeline. Metrics accumulate into a batch flushed on size or time
// trigger, written with an idempotency key so a retried batch after a
// partial failure never double-counts a row, and failed batches queue for
// bounded retry with backoff rather than blocking the pipeline indefinitely.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/errs"
	"github.com/oeecore/pipeline/internal/model"
)

// Config configures batch size/flush cadence and the retry queue.
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	Endpoint        string // Postgres DSN
	RetryQueueSize  int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
}

// row is the idempotency-keyed unit the sink writes: one NormalizedMetric
// plus the monotonic_seq the caller passed to Write.
type row struct {
	metric       model.NormalizedMetric
	monotonicSeq uint64
}

// Sink batches NormalizedMetrics and writes them to Postgres.
type Sink struct {
	cfg  Config
	pool *pgxpool.Pool
	log  *zap.Logger

	mu      sync.Mutex
	pending []row

	retryMu    sync.Mutex
	retryQueue []batch
	retryFull  uint64

	writesTotal   atomic.Uint64
	failuresTotal atomic.Uint64

	onBackpressure func() // called when the retry queue is full (§4.10)
}

type batch struct {
	rows    []row
	attempt int
	nextTry time.Time
}

// Connect opens the Postgres pool and constructs a Sink.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Sink, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.RetryQueueSize <= 0 {
		cfg.RetryQueueSize = 100
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = time.Second
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 60 * time.Second
	}

	pool, err := pgxpool.New(ctx, cfg.Endpoint)
	if err != nil {
		return nil, errs.New(errs.KindTransient, "sink.Connect", err)
	}
	return &Sink{cfg: cfg, pool: pool, log: log}, nil
}

// OnBackpressure registers a callback invoked whenever the retry queue is
// full and a batch must be dropped (§4.10's upstream propagation point;
// the caller typically widens upstream sampling the same way C5 does for
// the uplink buffer).
func (s *Sink) OnBackpressure(f func()) { s.onBackpressure = f }

// Write appends metric (with its correlating monotonic_seq, 0 if none) to
// the pending batch, flushing immediately if the batch reaches BatchSize.
func (s *Sink) Write(ctx context.Context, metric model.NormalizedMetric, monotonicSeq uint64) error {
	s.mu.Lock()
	s.pending = append(s.pending, row{metric: metric, monotonicSeq: monotonicSeq})
	full := len(s.pending) >= s.cfg.BatchSize
	var toFlush []row
	if full {
		toFlush = s.pending
		s.pending = nil
	}
	s.mu.Unlock()

	if full {
		return s.flush(ctx, toFlush)
	}
	return nil
}

// RunFlushLoop periodically flushes whatever is pending and drains the
// retry queue, until stop is closed; it then writes what is still pending
// once more and returns. Batches left in the retry queue are not retried.
func (s *Sink) RunFlushLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			toFlush := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(toFlush) > 0 {
				if err := s.flush(ctx, toFlush); err != nil {
					s.log.Warn("sink: flush failed", zap.Error(err))
				}
			}
			s.drainRetries(ctx)
		case <-stop:
			// ctx is usually cancelled by the time stop closes, so the last
			// pending batch is written under a fresh, bounded context.
			s.mu.Lock()
			toFlush := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(toFlush) > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.writeBatch(fctx, toFlush); err != nil {
					s.log.Warn("sink: final flush failed", zap.Int("rows", len(toFlush)), zap.Error(err))
				}
				cancel()
			}
			return
		}
	}
}

func (s *Sink) flush(ctx context.Context, rows []row) error {
	if err := s.writeBatch(ctx, rows); err != nil {
		s.log.Warn("sink: batch write failed, queueing for retry", zap.Int("rows", len(rows)), zap.Error(err))
		s.enqueueRetry(batch{rows: rows, attempt: 0, nextTry: time.Now().Add(s.cfg.RetryBaseBackoff)})
		return err
	}
	return nil
}

func (s *Sink) enqueueRetry(b batch) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if len(s.retryQueue) >= s.cfg.RetryQueueSize {
		s.retryFull++
		if s.onBackpressure != nil {
			s.onBackpressure()
		}
		return
	}
	s.retryQueue = append(s.retryQueue, b)
}

func (s *Sink) drainRetries(ctx context.Context) {
	now := time.Now()
	s.retryMu.Lock()
	var ready []batch
	var remaining []batch
	for _, b := range s.retryQueue {
		if !b.nextTry.After(now) {
			ready = append(ready, b)
		} else {
			remaining = append(remaining, b)
		}
	}
	s.retryQueue = remaining
	s.retryMu.Unlock()

	for _, b := range ready {
		if err := s.writeBatch(ctx, b.rows); err != nil {
			b.attempt++
			delay := s.cfg.RetryBaseBackoff << b.attempt
			if delay <= 0 || delay > s.cfg.RetryMaxBackoff {
				delay = s.cfg.RetryMaxBackoff
			}
			b.nextTry = now.Add(delay)
			s.enqueueRetry(b)
		}
	}
}

// writeBatch performs the actual Postgres write inside one transaction,
// using an ON CONFLICT DO NOTHING upsert keyed by (asset_ref, signal_type,
// timestamp, monotonic_seq) so retried batches are idempotent (§4.10).
func (s *Sink) writeBatch(ctx context.Context, rows []row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.failuresTotal.Add(1)
		return errs.New(errs.KindTransient, "sink.writeBatch", err)
	}
	defer tx.Rollback(ctx)

	batchReq := &pgx.Batch{}
	const stmt = `
		INSERT INTO normalized_metrics
			(asset_ref, signal_type, ts, value, quality, unit, monotonic_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_ref, signal_type, ts, monotonic_seq) DO NOTHING`
	for _, r := range rows {
		batchReq.Queue(stmt, r.metric.AssetRef, string(r.metric.SignalType), r.metric.Timestamp,
			r.metric.Value, uint8(r.metric.Quality), r.metric.Unit, r.monotonicSeq)
	}

	br := tx.SendBatch(ctx, batchReq)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			s.failuresTotal.Add(1)
			return errs.New(errs.KindTransient, "sink.writeBatch", err)
		}
	}
	if err := br.Close(); err != nil {
		s.failuresTotal.Add(1)
		return errs.New(errs.KindTransient, "sink.writeBatch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.failuresTotal.Add(1)
		return errs.New(errs.KindTransient, "sink.writeBatch", err)
	}
	s.writesTotal.Add(uint64(len(rows)))
	return nil
}

// RetryQueueDepth returns the current number of batches awaiting retry.
func (s *Sink) RetryQueueDepth() int {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	return len(s.retryQueue)
}

// Stats returns cumulative write/failure counters.
func (s *Sink) Stats() (writes, failures uint64) {
	return s.writesTotal.Load(), s.failuresTotal.Load()
}

// Close closes the Postgres pool.
func (s *Sink) Close() { s.pool.Close() }
