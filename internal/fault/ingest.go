package fault

import (
	"strconv"
	"sync"

	"github.com/oeecore/pipeline/internal/model"
)

// Ingestor bridges NormalizedMetric stream into Manager transitions.
// fault.code and fault.active arrive as separate metrics sharing an
// asset_ref (one PLC tag reports the active numeric code, a second
// reports whether it is currently asserted); Ingestor correlates them by
// remembering the last fault.code value seen per asset.
type Ingestor struct {
	mgr *Manager

	mu       sync.Mutex
	lastCode map[string]string
}

// NewIngestor constructs an Ingestor over mgr.
func NewIngestor(mgr *Manager) *Ingestor {
	return &Ingestor{mgr: mgr, lastCode: make(map[string]string)}
}

// Ingest folds one NormalizedMetric into fault lifecycle state, returning
// the resulting TransitionEvent if this metric caused one.
func (g *Ingestor) Ingest(m model.NormalizedMetric) (TransitionEvent, bool) {
	switch m.SignalType {
	case model.SignalFaultCode:
		g.mu.Lock()
		g.lastCode[m.AssetRef] = strconv.FormatFloat(m.Value, 'f', -1, 64)
		g.mu.Unlock()
		return TransitionEvent{}, false

	case model.SignalFaultActive:
		g.mu.Lock()
		code, ok := g.lastCode[m.AssetRef]
		g.mu.Unlock()
		if !ok {
			return TransitionEvent{}, false
		}
		if m.Value != 0 {
			inst, created := g.mgr.Activate(m.AssetRef, code, m.Timestamp)
			if !created {
				return TransitionEvent{}, false
			}
			return TransitionEvent{Instance: inst, From: StateActive, To: "NEW"}, true
		}
		inst, resolved := g.mgr.ResolveOnClear(m.AssetRef, code, m.Timestamp)
		if !resolved {
			return TransitionEvent{}, false
		}
		return TransitionEvent{Instance: inst, From: StateActive, To: StateResolved.String()}, true

	default:
		return TransitionEvent{}, false
	}
}
