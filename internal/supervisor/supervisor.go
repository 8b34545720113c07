// Package supervisor runs a set of long-lived stage goroutines (PLC
// polling, MQTT session, decoder, OEE tick, sink flush) and restarts any
// stage that returns an error, with exponential backoff and jitter,
// isolating one stage's failure from its peers (§5, §7). Each stage is
// just a func(context.Context) error; the supervisor owns nothing about
// what the stage does.
package supervisor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage is one supervised unit of work. It should run until ctx is
// cancelled (returning ctx.Err() or nil) or until an unrecoverable
// failure occurs (returning a non-nil error other than context
// cancellation, which triggers a restart).
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs a fixed set of Stages, restarting each independently.
type Supervisor struct {
	stages []Stage
	log    *zap.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// New constructs a Supervisor with the given restart backoff bounds.
func New(log *zap.Logger, baseBackoff, maxBackoff time.Duration) *Supervisor {
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	return &Supervisor{log: log, baseBackoff: baseBackoff, maxBackoff: maxBackoff}
}

// Add registers a stage. Call before Run.
func (s *Supervisor) Add(stage Stage) { s.stages = append(s.stages, stage) }

// Run starts every registered stage in its own goroutine and blocks until
// ctx is cancelled, at which point it waits for every stage's current
// attempt to return before returning itself.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, stage := range s.stages {
		wg.Add(1)
		go func(st Stage) {
			defer wg.Done()
			s.runStage(ctx, st)
		}(stage)
	}
	wg.Wait()
}

func (s *Supervisor) runStage(ctx context.Context, st Stage) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := st.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.log.Error("supervisor: stage failed, restarting", zap.String("stage", st.Name), zap.Error(err), zap.Int("attempt", attempt))

		delay := s.delayFor(attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) delayFor(attempt int) time.Duration {
	shift := attempt
	if shift > 6 {
		shift = 6
	}
	d := s.baseBackoff << shift
	if d <= 0 || d > s.maxBackoff {
		d = s.maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
