package plc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oeecore/pipeline/internal/errs"
	"github.com/oeecore/pipeline/internal/model"
	"go.uber.org/zap"
)

// Poller runs one Driver's acquisition loop: open, then repeatedly
// ReadBatch at an interval that the backpressure controller (C5) can widen
// under load via SetSamplingMultiplier (§4.1, §4.5). A dropped connection
// triggers the driver's backoff-governed reconnect; samples are not
// produced while disconnected.
type Poller struct {
	name    string
	driver  Driver
	baseInt time.Duration
	maxInt  time.Duration
	log     *zap.Logger

	multiplier atomic.Uint64 // fixed-point *1000, e.g. 1000 == 1.0x
}

// NewPoller builds a Poller for driver, polling every baseInterval absent
// backpressure, never exceeding maxInterval once backpressure widens it.
func NewPoller(name string, driver Driver, baseInterval, maxInterval time.Duration, log *zap.Logger) *Poller {
	p := &Poller{name: name, driver: driver, baseInt: baseInterval, maxInt: maxInterval, log: log}
	p.multiplier.Store(1000)
	return p
}

// SetSamplingMultiplier scales the polling interval by mult (1.0 = base
// rate, 2.0 = half rate, 8.0 = an eighth rate — the two multipliers named
// in §4.5's backpressure control law).
func (p *Poller) SetSamplingMultiplier(mult float64) {
	p.multiplier.Store(uint64(mult * 1000))
}

func (p *Poller) interval() time.Duration {
	mult := float64(p.multiplier.Load()) / 1000.0
	d := time.Duration(float64(p.baseInt) * mult)
	if d > p.maxInt {
		d = p.maxInt
	}
	if d < p.baseInt {
		d = p.baseInt
	}
	return d
}

// Run drives the poll loop, sending every Sample from each ReadBatch to
// out, until ctx is cancelled; it then returns the driver's Close error
// (or ctx.Err() if the cancel arrives during a reconnect wait). A KindAuth
// error from ReadBatch or from a reopen is returned unchanged; other
// failures are logged and the driver is reopened with backoff indefinitely.
func (p *Poller) Run(ctx context.Context, out chan<- model.Sample) error {
	if err := p.driver.Open(ctx); err != nil {
		p.log.Warn("plc: initial open failed, entering reconnect loop", zap.String("endpoint", p.name), zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return p.driver.Close()
		default:
		}

		samples, err := p.driver.ReadBatch(ctx)
		if err != nil {
			if errs.KindOf(err) == errs.KindAuth {
				return err
			}
			p.log.Warn("plc: read_batch failed, reconnecting", zap.String("endpoint", p.name), zap.Error(err))
			if rerr := p.reconnectLoop(ctx); rerr != nil {
				return rerr
			}
			continue
		}

		for _, s := range samples {
			select {
			case out <- s:
			case <-ctx.Done():
				return p.driver.Close()
			}
		}

		select {
		case <-time.After(p.interval()):
		case <-ctx.Done():
			return p.driver.Close()
		}
	}
}

func (p *Poller) reconnectLoop(ctx context.Context) error {
	bo := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Next()):
		}
		if err := p.driver.Open(ctx); err != nil {
			if errs.KindOf(err) == errs.KindAuth {
				return err
			}
			continue
		}
		return nil
	}
}
