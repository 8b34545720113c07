package oee

import "testing"

func TestCorrectCounterNormalIncrease(t *testing.T) {
	delta, ok := correctCounter(100, 150, 32, 10)
	if !ok || delta != 50 {
		t.Fatalf("correctCounter(100,150) = (%v,%v), want (50,true)", delta, ok)
	}
}

func TestCorrectCounterSmallDecreaseIsNoise(t *testing.T) {
	delta, ok := correctCounter(100, 99, 32, 10)
	if !ok {
		t.Fatal("a decrease smaller than minDecrease should be treated as noise, not anomalous")
	}
	if delta != 0 {
		t.Fatalf("noise should contribute zero delta, got %v", delta)
	}
}

func TestCorrectCounterGenuineRolloverNear32Bit(t *testing.T) {
	maxVal := maxCounterValue(32)
	prev := maxVal - 5   // near the top of the range
	next := 10.0          // wrapped around past zero
	delta, ok := correctCounter(prev, next, 32, 10)
	if !ok {
		t.Fatal("a large decrease from near the top of the counter range should be treated as rollover")
	}
	want := (maxVal - prev) + next + 1
	if delta != want {
		t.Fatalf("rollover delta = %v, want %v", delta, want)
	}
}

func TestCorrectCounterAnomalousResetNotNearRollover(t *testing.T) {
	// A big decrease, but prev is nowhere near the top of the counter range:
	// this looks like a device reset/reconfiguration, not a rollover.
	_, ok := correctCounter(1000, 10, 32, 10)
	if ok {
		t.Fatal("a large decrease far from the counter ceiling should be flagged anomalous, not corrected")
	}
}

func TestCorrectCounter64Bit(t *testing.T) {
	maxVal := maxCounterValue(64)
	prev := maxVal - 2
	next := 3.0
	delta, ok := correctCounter(prev, next, 64, 1)
	if !ok {
		t.Fatal("64-bit rollover near the ceiling should be detected")
	}
	want := (maxVal - prev) + next + 1
	if delta != want {
		t.Fatalf("64-bit rollover delta = %v, want %v", delta, want)
	}
}
