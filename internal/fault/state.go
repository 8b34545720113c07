// Package fault implements C9: the fault lifecycle state machine (§4.9).
// A Fault moves ACTIVE -> ACKNOWLEDGED -> RESOLVED, or ACTIVE -> MERGED
// when a related code supersedes it within the merge window. At most one
// ACTIVE fault exists per (asset_ref, code) at any time — the invariant
// §8 names explicitly.
package fault

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the fault lifecycle stage.
type State uint8

const (
	StateActive State = iota
	StateAcknowledged
	StateResolved
	StateMerged
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StateResolved:
		return "RESOLVED"
	case StateMerged:
		return "MERGED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// IsTerminal reports whether s cannot transition further.
func (s State) IsTerminal() bool { return s == StateResolved || s == StateMerged }

// Severity is the configured severity taxonomy level for a fault code.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Instance is one tracked fault occurrence for (AssetRef, Code). FaultID is
// the stable Fault Record identifier §3 names, minted once at creation and
// carried through every lifecycle transition and sink write.
type Instance struct {
	mu sync.Mutex

	FaultID  uuid.UUID
	AssetRef string
	Code     string
	Severity Severity

	current    State
	firstSeen  time.Time
	lastSeen   time.Time
	enteredAt  time.Time
	mergedInto string // code this instance was merged into, if State==StateMerged
}

func newInstance(assetRef, code string, severity Severity, at time.Time) *Instance {
	return &Instance{
		FaultID:   uuid.New(),
		AssetRef:  assetRef,
		Code:      code,
		Severity:  severity,
		current:   StateActive,
		firstSeen: at,
		lastSeen:  at,
		enteredAt: at,
	}
}

// ID returns the stable Fault Record identifier assigned at creation.
func (i *Instance) ID() uuid.UUID {
	return i.FaultID
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

// Touch records a repeat observation of the same fault code within the
// dedup window (§4.9): it does not create a new Instance, just advances
// lastSeen.
func (i *Instance) touch(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if at.After(i.lastSeen) {
		i.lastSeen = at
	}
}

// Acknowledge transitions ACTIVE -> ACKNOWLEDGED. No-op if not ACTIVE.
func (i *Instance) Acknowledge(at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current != StateActive {
		return false
	}
	i.current = StateAcknowledged
	i.enteredAt = at
	return true
}

// Resolve transitions ACTIVE or ACKNOWLEDGED -> RESOLVED.
func (i *Instance) Resolve(at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current.IsTerminal() {
		return false
	}
	i.current = StateResolved
	i.enteredAt = at
	return true
}

// Merge transitions ACTIVE or ACKNOWLEDGED -> MERGED into targetCode.
func (i *Instance) Merge(targetCode string, at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current.IsTerminal() {
		return false
	}
	i.current = StateMerged
	i.mergedInto = targetCode
	i.enteredAt = at
	return true
}

// LastSeen returns the most recent observation timestamp, for dedup/merge
// window comparisons.
func (i *Instance) LastSeen() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastSeen
}

// FirstSeen returns the first observation timestamp.
func (i *Instance) FirstSeen() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.firstSeen
}
