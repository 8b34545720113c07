package fault

import (
	"testing"
	"time"
)

func TestActivateCreatesNewInstance(t *testing.T) {
	m := New(Config{DedupWindow: time.Minute, MergeWindow: time.Minute})
	now := time.Now()
	inst, created := m.Activate("press-03", "E100", now)
	if !created {
		t.Fatal("first observation of a code should create a new instance")
	}
	if inst.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", inst.State())
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", m.ActiveCount())
	}
}

func TestActivateWithinDedupWindowTouchesNotCreates(t *testing.T) {
	m := New(Config{DedupWindow: time.Minute})
	now := time.Now()
	first, _ := m.Activate("press-03", "E100", now)
	second, created := m.Activate("press-03", "E100", now.Add(10*time.Second))
	if created {
		t.Fatal("a repeat observation within the dedup window should not create a new instance")
	}
	if second != first {
		t.Fatal("dedup-window activation should return the same instance")
	}
	if second.LastSeen() != now.Add(10*time.Second) {
		t.Fatal("lastSeen should advance even when deduped")
	}
}

func TestActivateOutsideDedupWindowRetiresAndRecreates(t *testing.T) {
	m := New(Config{DedupWindow: time.Minute})
	now := time.Now()
	first, _ := m.Activate("press-03", "E100", now)
	second, created := m.Activate("press-03", "E100", now.Add(5*time.Minute))
	if !created {
		t.Fatal("an observation outside the dedup window should create a fresh instance")
	}
	if first.State() != StateResolved {
		t.Fatalf("the stale instance should have been auto-resolved, got %v", first.State())
	}
	if second.State() != StateActive {
		t.Fatalf("the new instance should start ACTIVE, got %v", second.State())
	}
}

func TestActivateMergesRelatedCodeWithinMergeWindow(t *testing.T) {
	m := New(Config{
		DedupWindow: time.Minute,
		MergeWindow: time.Minute,
		Relations:   []Relation{{CodeA: "E100", CodeB: "E101"}},
	})
	now := time.Now()
	m.Activate("press-03", "E100", now)
	merged, created := m.Activate("press-03", "E101", now.Add(5*time.Second))
	if !created {
		t.Fatal("a related-but-distinct code should still create its own instance")
	}
	if merged.State() != StateMerged {
		t.Fatalf("the second related code should merge, got state %v", merged.State())
	}
}

func TestActivateDoesNotMergeUnrelatedCodes(t *testing.T) {
	m := New(Config{DedupWindow: time.Minute, MergeWindow: time.Minute})
	now := time.Now()
	m.Activate("press-03", "E100", now)
	inst, _ := m.Activate("press-03", "E999", now.Add(time.Second))
	if inst.State() != StateActive {
		t.Fatalf("unrelated codes should not merge, got %v", inst.State())
	}
}

func TestAcknowledgeAndResolveManual(t *testing.T) {
	m := New(Config{})
	now := time.Now()
	m.Activate("press-03", "E100", now)

	inst, ok := m.Acknowledge("press-03", "E100", now.Add(time.Second))
	if !ok || inst.State() != StateAcknowledged {
		t.Fatalf("Acknowledge should transition to ACKNOWLEDGED, got ok=%v state=%v", ok, inst.State())
	}

	inst, ok = m.ResolveManual("press-03", "E100", now.Add(2*time.Second))
	if !ok || inst.State() != StateResolved {
		t.Fatalf("ResolveManual should transition to RESOLVED, got ok=%v state=%v", ok, inst.State())
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after resolve = %d, want 0", m.ActiveCount())
	}
}

func TestResolveOnClearNoOpWhenNoInstance(t *testing.T) {
	m := New(Config{})
	_, ok := m.ResolveOnClear("press-03", "E999", time.Now())
	if ok {
		t.Fatal("resolving a code with no tracked instance should be a no-op")
	}
}

func TestSeverityFallsBackToWarning(t *testing.T) {
	m := New(Config{SeverityMap: map[string]Severity{"E100": SeverityCritical}})
	inst, _ := m.Activate("press-03", "E100", time.Now())
	if inst.Severity != SeverityCritical {
		t.Fatalf("severity = %v, want critical", inst.Severity)
	}
	inst2, _ := m.Activate("press-03", "E200", time.Now())
	if inst2.Severity != SeverityWarning {
		t.Fatalf("unmapped code should default to warning severity, got %v", inst2.Severity)
	}
}
