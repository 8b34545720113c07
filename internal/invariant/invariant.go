// Package invariant checks three of the testable properties named in §8:
// monotonic_seq strictly increasing, Sparkplug seq continuity per birthed
// node, and at most one ACTIVE fault per (asset, code). Bounded memory and
// Normalizer idempotence have no check here (ViolationNonIdempotent is
// declared but never recorded). Structured after the teacher's
// constitutional kernel: named checks that record and log a violation
// without panicking, except for the one genuinely unrecoverable case
// (monotonic_seq regression), which panics.
package invariant

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ViolationKind identifies which invariant was breached.
type ViolationKind string

const (
	ViolationSeqRegression   ViolationKind = "monotonic_seq_regression"
	ViolationSeqGap          ViolationKind = "sparkplug_seq_gap"
	ViolationDuplicateActive ViolationKind = "duplicate_active_fault"
	ViolationNonIdempotent   ViolationKind = "normalizer_non_idempotent"
)

// Violation describes one detected breach.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant: %s: %s", v.Kind, v.Detail)
}

// Guard collects violation counts and logs every occurrence. Only
// MustSeqMonotonic panics — CheckSeqGap and CheckDuplicateActive record
// and log the violation and return nothing, so the process keeps running,
// mirroring §7's isolate-the-failure-not-the-process posture.
type Guard struct {
	mu     sync.Mutex
	counts map[ViolationKind]uint64
	log    *zap.Logger
}

// New constructs a Guard.
func New(log *zap.Logger) *Guard {
	return &Guard{counts: make(map[ViolationKind]uint64), log: log}
}

func (g *Guard) record(v *Violation) {
	g.mu.Lock()
	g.counts[v.Kind]++
	g.mu.Unlock()
	g.log.Warn("invariant violation", zap.String("kind", string(v.Kind)), zap.String("detail", v.Detail))
}

// CheckSeqGap reports (without panicking) a Sparkplug seq discontinuity.
func (g *Guard) CheckSeqGap(groupID, nodeID string, expected, got uint8) {
	if expected == got {
		return
	}
	g.record(&Violation{Kind: ViolationSeqGap, Detail: fmt.Sprintf("%s/%s: expected %d got %d", groupID, nodeID, expected, got)})
}

// CheckDuplicateActive reports more than one ACTIVE fault instance for the
// same (asset, code) pair — a state the fault.Manager's map-keyed design
// should make structurally impossible, so this check exists as a runtime
// assertion of that structural guarantee, callable from tests and from an
// operator diagnostic endpoint.
func (g *Guard) CheckDuplicateActive(assetRef, code string, activeCount int) {
	if activeCount <= 1 {
		return
	}
	g.record(&Violation{Kind: ViolationDuplicateActive, Detail: fmt.Sprintf("%s/%s: %d concurrent ACTIVE instances", assetRef, code, activeCount)})
}

// MustSeqMonotonic panics if next is not strictly greater than prev. This
// is the one invariant whose violation is genuinely unrecoverable (§8):
// a non-monotonic monotonic_seq means the persisted buffer counter was
// corrupted or reused, and continuing would silently produce duplicate or
// colliding sink dedup keys. The panic is not recovered inside the
// process, so it terminates it; the persisted counter itself is never
// rolled back.
func (g *Guard) MustSeqMonotonic(prev, next uint64) {
	if next > prev {
		return
	}
	v := &Violation{Kind: ViolationSeqRegression, Detail: fmt.Sprintf("prev=%d next=%d", prev, next)}
	g.record(v)
	panic(v)
}

// Counts returns a snapshot of violation counts by kind, for the
// observability metrics bridge.
func (g *Guard) Counts() map[ViolationKind]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[ViolationKind]uint64, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}
