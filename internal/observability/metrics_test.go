package observability

import "testing"

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	got, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("a freshly registered registry should gather at least the Go/process collectors")
	}
}

func TestMetricsLabelledVecsAcceptExpectedLabels(t *testing.T) {
	m := NewMetrics()
	m.SamplesReadTotal.WithLabelValues("press-03", "good").Inc()
	m.FramesDecodedTotal.WithLabelValues("NDATA").Inc()
	m.NormalizerDroppedTotal.WithLabelValues("deadband").Inc()
	m.FaultTransitionsTotal.WithLabelValues("ACTIVE", "RESOLVED").Inc()
	m.OEEValue.WithLabelValues("press-03").Set(0.82)
}
