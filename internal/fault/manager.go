package fault

import (
	"sync"
	"time"
)

// Relation is one configured pair of fault codes that merge when both are
// ACTIVE for the same asset within MergeWindow (§4.9). Relations are
// symmetric: either code observed second merges into whichever was
// observed first.
type Relation struct {
	CodeA string
	CodeB string
}

// Config configures dedup/merge windows, the severity taxonomy, and the
// code-relation table.
type Config struct {
	DedupWindow time.Duration
	MergeWindow time.Duration
	SeverityMap map[string]Severity
	Relations   []Relation
}

type key struct {
	assetRef string
	code     string
}

// Manager tracks every fault Instance, enforcing at most one non-terminal
// Instance per (asset_ref, code) (§8's testable invariant).
type Manager struct {
	mu        sync.Mutex
	instances map[key]*Instance // latest instance per (asset,code): non-terminal, or created already MERGED
	history   []*Instance       // all instances ever created, for audit/merge lookups

	cfg          Config
	relationSet  map[[2]string]bool
	transitions  uint64
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	m := &Manager{
		instances:   make(map[key]*Instance),
		cfg:         cfg,
		relationSet: make(map[[2]string]bool, len(cfg.Relations)*2),
	}
	for _, r := range cfg.Relations {
		m.relationSet[[2]string{r.CodeA, r.CodeB}] = true
		m.relationSet[[2]string{r.CodeB, r.CodeA}] = true
	}
	return m
}

func (m *Manager) severityFor(code string) Severity {
	if s, ok := m.cfg.SeverityMap[code]; ok {
		return s
	}
	return SeverityWarning
}

func (m *Manager) related(codeA, codeB string) bool {
	return m.relationSet[[2]string{codeA, codeB}]
}

// TransitionEvent describes a fault lifecycle change for the caller to
// turn into a sink/metric event.
type TransitionEvent struct {
	Instance *Instance
	From     State
	To       string // human label; "NEW" for instance creation
}

// Activate records a fault.active=true observation for (assetRef, code) at
// time at. Within DedupWindow of the same (asset,code)'s last observation,
// this only touches lastSeen (§4.9's dedup rule) and returns ok=false. A
// genuinely new occurrence is checked against the relation table: if a
// related code is already ACTIVE/ACKNOWLEDGED for the same asset within
// MergeWindow, the new occurrence is created already MERGED into it.
func (m *Manager) Activate(assetRef, code string, at time.Time) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{assetRef: assetRef, code: code}
	if existing, ok := m.instances[k]; ok {
		if at.Sub(existing.LastSeen()) <= m.cfg.DedupWindow {
			existing.touch(at)
			return existing, false
		}
		// Outside the dedup window but the prior instance never resolved:
		// treat as a fresh occurrence of the same code, retiring the old one.
		existing.Resolve(at)
	}

	inst := newInstance(assetRef, code, m.severityFor(code), at)

	for otherKey, other := range m.instances {
		if otherKey.assetRef != assetRef || other.State().IsTerminal() {
			continue
		}
		if !m.related(code, otherKey.code) {
			continue
		}
		if at.Sub(other.LastSeen()) > m.cfg.MergeWindow {
			continue
		}
		inst.Merge(otherKey.code, at)
		break
	}

	m.instances[k] = inst
	m.history = append(m.history, inst)
	m.transitions++
	return inst, true
}

// ResolveOnClear handles a fault.active=false observation: if a
// non-terminal instance exists for (assetRef, code), it auto-resolves.
func (m *Manager) ResolveOnClear(assetRef, code string, at time.Time) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{assetRef: assetRef, code: code}
	inst, ok := m.instances[k]
	if !ok {
		return nil, false
	}
	if inst.Resolve(at) {
		delete(m.instances, k)
		m.transitions++
		return inst, true
	}
	return inst, false
}

// Acknowledge transitions the ACTIVE instance for (assetRef, code), if
// any, to ACKNOWLEDGED. Invoked from an operator Device Control/Acknowledge
// Fault command (§6).
func (m *Manager) Acknowledge(assetRef, code string, at time.Time) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[key{assetRef: assetRef, code: code}]
	if !ok {
		return nil, false
	}
	ok = inst.Acknowledge(at)
	if ok {
		m.transitions++
	}
	return inst, ok
}

// ResolveManual transitions the instance for (assetRef, code) to RESOLVED
// regardless of fault.active state, for an operator Device
// Control/Resolve Fault command (§6).
func (m *Manager) ResolveManual(assetRef, code string, at time.Time) (*Instance, bool) {
	return m.ResolveOnClear(assetRef, code, at)
}

// ActiveCount returns the number of currently non-terminal instances, for
// the observability metrics bridge.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inst := range m.instances {
		if !inst.State().IsTerminal() {
			n++
		}
	}
	return n
}

// TransitionsTotal returns the cumulative lifecycle transition count.
func (m *Manager) TransitionsTotal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}
