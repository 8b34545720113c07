// Package scenarios exercises the decoder -> normalizer -> oee/fault chain
// end to end against the §8 scenario list (S1-S6), using in-memory fakes in
// place of a real broker/database: no MQTT session, no Postgres, only the
// store-and-forward buffer uses a real on-disk BoltDB file via t.TempDir().
package scenarios

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/backpressure"
	"github.com/oeecore/pipeline/internal/decoder"
	"github.com/oeecore/pipeline/internal/fault"
	"github.com/oeecore/pipeline/internal/model"
	"github.com/oeecore/pipeline/internal/normalizer"
	"github.com/oeecore/pipeline/internal/oee"
	"github.com/oeecore/pipeline/internal/plc"
	"github.com/oeecore/pipeline/internal/sfbuffer"
	"github.com/oeecore/pipeline/internal/sparkplug"
)

type noopRebirth struct{ requests []decoder.NodeKey }

func (n *noopRebirth) RequestRebirth(groupID, nodeID string) error {
	n.requests = append(n.requests, decoder.NodeKey{GroupID: groupID, NodeID: nodeID})
	return nil
}

func standardBindings() []model.TagBinding {
	return []model.TagBinding{
		{SourceAddress: "plant1/edge01/counterTotal", SignalType: model.SignalCounterTotal, AssetRef: "press-03"},
		{SourceAddress: "plant1/edge01/counterGood", SignalType: model.SignalCounterGood, AssetRef: "press-03"},
		{SourceAddress: "plant1/edge01/run", SignalType: model.SignalStateRun, AssetRef: "press-03"},
		{SourceAddress: "plant1/edge01/faultCode", SignalType: model.SignalFaultCode, AssetRef: "press-03"},
		{SourceAddress: "plant1/edge01/faultActive", SignalType: model.SignalFaultActive, AssetRef: "press-03"},
	}
}

// S1: happy path. NBIRTH establishes the alias table, a run of NDATA frames
// decode cleanly and flow through the normalizer into the OEE window.
func TestScenarioHappyPath(t *testing.T) {
	dec := decoder.New(time.Hour, nil, zap.NewNop())
	norm := normalizer.New(standardBindings(), nil)
	oeeEngine := oee.New(oee.Config{Window: time.Hour, Tick: time.Minute}, zap.NewNop())

	node := sparkplug.NewNodeSession("plant1", "edge01")
	node.NewConnection()
	aliasTotal := node.AllocateAlias("counterTotal")
	aliasGood := node.AllocateAlias("counterGood")
	aliasRun := node.AllocateAlias("run")

	birth := node.BirthFrame([]sparkplug.Metric{
		{Name: "counterTotal", Alias: aliasTotal},
		{Name: "counterGood", Alias: aliasGood},
		{Name: "run", Alias: aliasRun},
	})
	if _, err := dec.Handle(birth); err != nil {
		t.Fatalf("NBIRTH: %v", err)
	}

	now := time.Now()
	data := node.DataFrame([]sparkplug.Metric{
		{Alias: aliasTotal, Value: 100, Timestamp: now},
		{Alias: aliasGood, Value: 98, Timestamp: now},
		{Alias: aliasRun, Value: 1, DataType: sparkplug.DataTypeBoolean, BoolValue: true, Timestamp: now},
	})
	samples, err := dec.Handle(data)
	if err != nil {
		t.Fatalf("NDATA: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 resolved samples, got %d", len(samples))
	}

	for _, s := range samples {
		metric, _, ok := norm.Process(s)
		if !ok {
			t.Fatalf("sample %+v unexpectedly dropped", s)
		}
		oeeEngine.Ingest(metric)
	}
}

// S2: sequence gap triggers a rebirth request and the gapped frame is
// dropped rather than fed downstream with stale alias state.
func TestScenarioSequenceGapTriggersRebirth(t *testing.T) {
	rebirth := &noopRebirth{}
	dec := decoder.New(time.Hour, rebirth, zap.NewNop())
	node := sparkplug.NewNodeSession("plant1", "edge01")
	node.NewConnection()
	alias := node.AllocateAlias("run")

	birth := node.BirthFrame([]sparkplug.Metric{{Name: "run", Alias: alias}})
	dec.Handle(birth)

	// Skip ahead: build an NDATA frame with seq 9 instead of the expected 1.
	gapped := sparkplug.Frame{GroupID: "plant1", NodeID: "edge01", Type: sparkplug.FrameNDATA,
		Payload: sparkplug.Payload{Seq: 9, Metrics: []sparkplug.Metric{{Alias: alias, Value: 1}}}}
	samples, err := dec.Handle(gapped)
	if err == nil {
		t.Fatal("a seq gap should be reported as an error")
	}
	if len(samples) != 0 {
		t.Fatalf("a gapped frame should yield no samples, got %d", len(samples))
	}
	if len(rebirth.requests) != 1 {
		t.Fatalf("expected exactly one rebirth request, got %d", len(rebirth.requests))
	}
}

// S3: uplink outage/replay. Envelopes accumulate in the store-and-forward
// buffer while offline and drain in FIFO order once connectivity returns,
// each carrying the monotonic_seq it was assigned at enqueue time.
func TestScenarioUplinkOutageAndReplay(t *testing.T) {
	path := t.TempDir() + "/buffer.db"
	buf, err := sfbuffer.Open(path, 10<<20, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer buf.Close()

	const n = 5
	for i := 0; i < n; i++ {
		seq, err := buf.NextSeq()
		if err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
		if err := buf.Enqueue(sfbuffer.Envelope{MonotonicSeq: seq, Topic: "spBv1.0/plant1/NDATA/edge01", Payload: []byte("x"), QoS: 1, EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	envs, err := buf.Peek(n)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(envs) != n {
		t.Fatalf("expected %d queued envelopes during the outage, got %d", n, len(envs))
	}
	for i, e := range envs {
		if e.MonotonicSeq != uint64(i+1) {
			t.Fatalf("replay order broken: envelope %d has monotonic_seq %d, want %d", i, e.MonotonicSeq, i+1)
		}
		if err := buf.Ack(e.MonotonicSeq); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if count, _ := buf.Depth(); count != 0 {
		t.Fatalf("buffer should be empty after the full replay drains it, depth = %d", count)
	}
}

// S5: fault dedup within the window, then merge of a related code.
func TestScenarioFaultDedupAndMerge(t *testing.T) {
	mgr := fault.New(fault.Config{
		DedupWindow: time.Minute,
		MergeWindow: time.Minute,
		Relations:   []fault.Relation{{CodeA: "E100", CodeB: "E101"}},
	})
	ing := fault.NewIngestor(mgr)
	now := time.Now()

	ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultCode, Value: 100, Timestamp: now})
	ev, transitioned := ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultActive, Value: 1, Timestamp: now})
	if !transitioned {
		t.Fatal("first fault.active=1 should activate a new instance")
	}
	firstInstance := ev.Instance

	// A repeat observation within the dedup window should not create a
	// second instance.
	ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultCode, Value: 100, Timestamp: now.Add(5 * time.Second)})
	_, transitioned = ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultActive, Value: 1, Timestamp: now.Add(5 * time.Second)})
	if transitioned {
		t.Fatal("a repeat fault.active within the dedup window should not re-transition")
	}
	if firstInstance.State() != fault.StateActive {
		t.Fatalf("deduped instance should remain ACTIVE, got %v", firstInstance.State())
	}

	// A related code arriving shortly after should merge into it.
	ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultCode, Value: 101, Timestamp: now.Add(10 * time.Second)})
	ev2, transitioned := ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultActive, Value: 1, Timestamp: now.Add(10 * time.Second)})
	if !transitioned {
		t.Fatal("the related code's first observation should still create (and merge) its own instance")
	}
	if ev2.Instance.State() != fault.StateMerged {
		t.Fatalf("related code should merge into the existing instance, got state %v", ev2.Instance.State())
	}
}

// S6: counter rollover. A cumulative total that wraps near the 32-bit
// ceiling should still contribute a positive delta to the OEE window
// instead of looking like a production reset.
func TestScenarioCounterRolloverDoesNotResetProduction(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	const maxUint32 = 4294967295.0
	wrapped := start.Add(time.Minute)

	fast := oee.New(oee.Config{Window: time.Hour, Tick: time.Millisecond, CounterRolloverBits: 32, MinCounterDecrease: 1000, IdealCycleFallback: 1}, zap.NewNop())
	fast.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalStateRun, Timestamp: start})
	fast.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalCounterTotal, Timestamp: start, Value: maxUint32 - 5})
	fast.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalCounterGood, Timestamp: start, Value: maxUint32 - 5})
	fast.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalCounterTotal, Timestamp: wrapped, Value: 10})
	fast.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalCounterGood, Timestamp: wrapped, Value: 10})

	fastOut := make(chan model.NormalizedMetric, 4)
	fastDone := make(chan struct{})
	go fast.Run(fastDone, fastOut)
	defer close(fastDone)

	select {
	case m := <-fastOut:
		if m.Quality == model.QualityUncertain {
			t.Fatal("a window with positive planned time should not report QualityUncertain")
		}
		if m.Value <= 0 {
			t.Fatalf("a rolled-over counter should still yield production and a positive OEE, got %v", m.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a rollup.oee tick within one second")
	}
}

// fakeFillRatio lets the test drive the store-and-forward fill ratio
// without a real BoltDB file backing it.
type fakeFillRatio struct{ bits atomic.Uint64 }

func (f *fakeFillRatio) set(ratio float64) { f.bits.Store(uint64(ratio * 1e6)) }

func (f *fakeFillRatio) FillRatio() float64 { return float64(f.bits.Load()) / 1e6 }

type idleDriver struct{}

func (idleDriver) Open(ctx context.Context) error { return nil }
func (idleDriver) ReadBatch(ctx context.Context) ([]model.Sample, error) {
	return []model.Sample{{SourceAddress: "temperature", Value: 1}}, nil
}
func (idleDriver) Subscribe(ctx context.Context, out chan<- model.Sample) error { return nil }
func (idleDriver) Close() error                                                { return nil }

// S4: backpressure engagement. A rising fill ratio crosses both
// thresholds; once the critical band has held past its hysteresis dwell,
// the controller widens the registered poller's sampling interval by the
// configured multiplier and the normalizer starts suppressing low-priority
// signal types, while state/counter/fault signals keep flowing.
func TestScenarioBackpressureEngagementWidensSamplingAndSuppressesLowPriority(t *testing.T) {
	source := &fakeFillRatio{}
	ctrl := backpressure.New(backpressure.Config{
		Thresholds:  [2]float64{0.5, 0.85},
		Multipliers: [2]float64{2, 8},
		Hysteresis:  5 * time.Millisecond,
	}, source, time.Millisecond, zap.NewNop())

	poller := plc.NewPoller("press-03", idleDriver{}, 10*time.Millisecond, 200*time.Millisecond, zap.NewNop())
	ctrl.RegisterTarget(poller)

	go ctrl.Run()
	defer ctrl.Stop()

	source.set(0.2)
	time.Sleep(20 * time.Millisecond)
	if ctrl.Band() != backpressure.BandNormal {
		t.Fatalf("low fill ratio should leave the band normal, got %v", ctrl.Band())
	}

	source.set(0.9)
	deadline := time.Now().Add(500 * time.Millisecond)
	for ctrl.Band() != backpressure.BandCritical && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ctrl.Band() != backpressure.BandCritical {
		t.Fatalf("a sustained 0.9 fill ratio should commit BandCritical, got %v", ctrl.Band())
	}

	norm := normalizer.New(standardBindings(), ctrl)
	_, reason, ok := norm.Process(model.Sample{SourceAddress: "plant1/edge01/run", Value: 1, Quality: model.QualityGood})
	if !ok {
		t.Fatal("state.run must keep flowing under critical backpressure")
	}
	// A low-priority temperature binding added just for this assertion.
	tempBindings := append(standardBindings(), model.TagBinding{
		SourceAddress: "plant1/edge01/temp", SignalType: model.SignalTemperature, AssetRef: "press-03",
	})
	normWithTemp := normalizer.New(tempBindings, ctrl)
	_, reason, ok = normWithTemp.Process(model.Sample{SourceAddress: "plant1/edge01/temp", Value: 72, Quality: model.QualityGood})
	if ok || reason != model.DropLowQuality {
		t.Fatalf("temperature should be suppressed under critical backpressure, got ok=%v reason=%v", ok, reason)
	}
}
