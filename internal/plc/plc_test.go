package plc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/errs"
	"github.com/oeecore/pipeline/internal/model"
)

type fakeDriver struct {
	mu        sync.Mutex
	opened    bool
	openErr   error
	batch     []model.Sample
	readCount int
	closed    bool
}

func (f *fakeDriver) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeDriver) ReadBatch(ctx context.Context) ([]model.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return nil, errors.New("not open")
	}
	f.readCount++
	if f.readCount == 1 {
		return f.batch, nil
	}
	return nil, nil
}

func (f *fakeDriver) Subscribe(ctx context.Context, out chan<- model.Sample) error {
	return ErrUnsupported("fake")
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPollerForwardsSamples(t *testing.T) {
	drv := &fakeDriver{batch: []model.Sample{{SourceAddress: "tag1", Value: 1}}}
	p := NewPoller("ep1", drv, time.Millisecond, 10*time.Millisecond, zap.NewNop())

	out := make(chan model.Sample, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go p.Run(ctx, out)

	select {
	case s := <-out:
		if s.SourceAddress != "tag1" {
			t.Fatalf("unexpected sample: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("poller should have forwarded the batch sample")
	}

	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	drv.mu.Lock()
	closed := drv.closed
	drv.mu.Unlock()
	if !closed {
		t.Fatal("driver should be closed once ctx is cancelled")
	}
}

func TestPollerReturnsFatalOnAuthFailure(t *testing.T) {
	drv := &fakeDriver{}
	authErr := errs.New(errs.KindAuth, "open", errors.New("bad credentials"))
	drv.openErr = nil
	// Force ReadBatch to see an auth error by opening successfully then
	// having the fake surface an auth error on first read via a wrapper.
	wrapped := &authFailingDriver{fakeDriver: drv, err: authErr}
	p := NewPoller("ep1", wrapped, time.Millisecond, 10*time.Millisecond, zap.NewNop())

	out := make(chan model.Sample, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := p.Run(ctx, out)
	if errs.KindOf(err) != errs.KindAuth {
		t.Fatalf("Run should surface the auth error directly, got %v", err)
	}
}

type authFailingDriver struct {
	*fakeDriver
	err error
}

func (a *authFailingDriver) ReadBatch(ctx context.Context) ([]model.Sample, error) {
	a.mu.Lock()
	a.opened = true
	a.mu.Unlock()
	return nil, a.err
}

func TestSamplingMultiplierScalesInterval(t *testing.T) {
	p := NewPoller("ep1", &fakeDriver{}, 10*time.Millisecond, 100*time.Millisecond, zap.NewNop())
	if got := p.interval(); got != 10*time.Millisecond {
		t.Fatalf("default interval = %v, want base 10ms", got)
	}
	p.SetSamplingMultiplier(2)
	if got := p.interval(); got != 20*time.Millisecond {
		t.Fatalf("2x interval = %v, want 20ms", got)
	}
	p.SetSamplingMultiplier(100) // should clamp to maxInt
	if got := p.interval(); got != 100*time.Millisecond {
		t.Fatalf("interval should clamp at maxInterval, got %v", got)
	}
}

func TestRegisterDriverPanicsOnDuplicate(t *testing.T) {
	const name = "test_fake_driver_plc_unittest"
	RegisterDriver(name, func(cfg EndpointConfig) (Driver, error) { return &fakeDriver{}, nil })

	defer func() {
		if recover() == nil {
			t.Fatal("registering a duplicate driver name should panic")
		}
	}()
	RegisterDriver(name, func(cfg EndpointConfig) (Driver, error) { return &fakeDriver{}, nil })
}

func TestOpenUnknownDriverTypeErrors(t *testing.T) {
	_, err := Open("does_not_exist", EndpointConfig{})
	if err == nil {
		t.Fatal("Open should error for an unregistered driver type")
	}
}

func TestOpenKnownDriverTypesConstructWithoutConnecting(t *testing.T) {
	for _, name := range []string{"opcua", "allen_bradley", "siemens_s7"} {
		drv, err := Open(name, EndpointConfig{Endpoint: "127.0.0.1:4840"})
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		if drv == nil {
			t.Fatalf("Open(%q) returned a nil driver", name)
		}
	}
}

func TestRegisteredDriversIncludesBuiltins(t *testing.T) {
	var found atomic.Int32
	names := RegisteredDrivers()
	for _, n := range names {
		if n == "opcua" || n == "allen_bradley" || n == "siemens_s7" {
			found.Add(1)
		}
	}
	if found.Load() != 3 {
		t.Fatalf("expected all three built-in drivers registered, found %d of 3", found.Load())
	}
}
