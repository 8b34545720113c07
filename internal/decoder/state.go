package decoder

import (
	"sync"
	"time"
)

// NodeKey identifies one Sparkplug edge node.
type NodeKey struct {
	GroupID string
	NodeID  string
}

// nodeState is the decoder's per-node arena entry: alias table, seq
// continuity tracking, and nested device states. Keyed maps rather than
// the teacher's pointer-graph objects — the redesign flag in §9 calls out
// replacing cyclic object references with arena-style keyed maps, and a
// Sparkplug node/device tree is exactly that shape.
type nodeState struct {
	mu sync.Mutex

	aliasToName map[uint64]string
	bdSeq       uint64
	online      bool
	birthed     bool
	lastSeq     uint8
	lastSeen    time.Time

	devices map[string]*deviceState
}

func newNodeState() *nodeState {
	return &nodeState{
		aliasToName: make(map[uint64]string),
		devices:     make(map[string]*deviceState),
	}
}

// deviceState is the decoder's per-device arena entry, nested under its
// parent node. Devices share the node's seq space, so no seq tracking is
// duplicated here.
type deviceState struct {
	aliasToName map[uint64]string
	online      bool
	birthed     bool
	lastSeen    time.Time
}

func newDeviceState() *deviceState {
	return &deviceState{aliasToName: make(map[uint64]string)}
}
