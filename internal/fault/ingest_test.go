package fault

import (
	"testing"
	"time"

	"github.com/oeecore/pipeline/internal/model"
)

func TestIngestorCorrelatesCodeThenActive(t *testing.T) {
	mgr := New(Config{DedupWindow: time.Minute})
	ing := NewIngestor(mgr)
	now := time.Now()

	_, transitioned := ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultCode, Value: 100, Timestamp: now})
	if transitioned {
		t.Fatal("a bare fault.code observation should never itself cause a transition")
	}

	ev, transitioned := ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultActive, Value: 1, Timestamp: now})
	if !transitioned {
		t.Fatal("fault.active=1 following a known fault.code should activate a fault instance")
	}
	if ev.Instance.Code != "100" {
		t.Fatalf("activated instance code = %q, want %q", ev.Instance.Code, "100")
	}
	if ev.To != "NEW" {
		t.Fatalf("To = %q, want NEW", ev.To)
	}
}

func TestIngestorFaultActiveWithoutPriorCodeIsNoOp(t *testing.T) {
	mgr := New(Config{})
	ing := NewIngestor(mgr)
	_, transitioned := ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultActive, Value: 1, Timestamp: time.Now()})
	if transitioned {
		t.Fatal("fault.active with no prior fault.code for the asset should be a no-op")
	}
}

func TestIngestorFaultActiveFalseResolves(t *testing.T) {
	mgr := New(Config{})
	ing := NewIngestor(mgr)
	now := time.Now()
	ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultCode, Value: 7, Timestamp: now})
	ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultActive, Value: 1, Timestamp: now})

	ev, transitioned := ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalFaultActive, Value: 0, Timestamp: now.Add(time.Second)})
	if !transitioned {
		t.Fatal("fault.active=0 after an active instance should resolve it")
	}
	if ev.Instance.State() != StateResolved {
		t.Fatalf("resolved instance state = %v, want RESOLVED", ev.Instance.State())
	}
	if ev.To != StateResolved.String() {
		t.Fatalf("To = %q, want %q", ev.To, StateResolved.String())
	}
}

func TestIngestorIgnoresUnrelatedSignalTypes(t *testing.T) {
	mgr := New(Config{})
	ing := NewIngestor(mgr)
	_, transitioned := ing.Ingest(model.NormalizedMetric{AssetRef: "press-03", SignalType: model.SignalTemperature, Value: 10})
	if transitioned {
		t.Fatal("a signal type outside fault.code/fault.active should never cause a transition")
	}
}
