package sparkplug

import (
	"sync"
	"time"
)

// nextSeq advances a Sparkplug B sequence number with wraparound at 256
// (§4.2): uint8 overflow does this for free.
func nextSeq(seq uint8) uint8 { return seq + 1 }

// NodeSession is the encoder-side birth-death bookkeeping for one edge
// node: alias assignment, the outbound seq counter, and the birth-death
// sequence (bd_seq) that ties an NDEATH Last Will to the NBIRTH that
// superseded it. One NodeSession exists per configured Sparkplug node
// (§4.2); device state nests under it via DeviceSession.
//
// Mutex-guarded rather than channel-owned because every publishing
// goroutine needs a consistent read-modify-write on seq/alias state and
// the critical section is a few map/counter operations — the same
// trade-off the teacher makes for its escalation process state.
type NodeSession struct {
	mu sync.Mutex

	groupID string
	nodeID  string

	bdSeq     uint64
	seq       uint8
	nextAlias uint64
	aliases   map[string]uint64 // source_address -> alias, stable across reconnects
}

// NewNodeSession creates a session for the given Sparkplug group/node IDs.
func NewNodeSession(groupID, nodeID string) *NodeSession {
	return &NodeSession{
		groupID: groupID,
		nodeID:  nodeID,
		aliases: make(map[string]uint64),
	}
}

// NewConnection increments bd_seq for a fresh MQTT connection and returns
// the new value, to be embedded in both the Will (NDEATH) registered at
// CONNECT and the NBIRTH published immediately after (§4.3).
func (s *NodeSession) NewConnection() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bdSeq++
	return s.bdSeq
}

// DeathPayload builds the NDEATH payload for the current bd_seq, for use as
// the MQTT Last Will registered at connect time.
func (s *NodeSession) DeathPayload() Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Payload{
		Timestamp: time.Now().UTC(),
		Metrics:   []Metric{{Name: "bdSeq", DataType: DataTypeUInt64, Value: float64(s.bdSeq)}},
	}
}

// AllocateAlias returns the alias for sourceAddress, assigning a new one on
// first use. Aliases are stable for the lifetime of the process, including
// across MQTT reconnects, so a rebirth republishes the same alias table.
func (s *NodeSession) AllocateAlias(sourceAddress string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.aliases[sourceAddress]; ok {
		return a
	}
	s.nextAlias++
	s.aliases[sourceAddress] = s.nextAlias
	return s.nextAlias
}

// ResetAliases clears the alias table, forcing the next birth to reassign
// from scratch. Used only when an operator-triggered rebirth explicitly
// requests a clean slate; ordinary reconnects keep aliases stable.
func (s *NodeSession) ResetAliases() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases = make(map[string]uint64)
	s.nextAlias = 0
}

// BirthFrame resets the outbound seq counter to zero and returns an NBIRTH
// frame carrying bd_seq plus the supplied metrics (each expected to already
// carry Name and, via AllocateAlias, its Alias).
func (s *NodeSession) BirthFrame(metrics []Metric) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
	all := make([]Metric, 0, len(metrics)+1)
	all = append(all, Metric{Name: "bdSeq", DataType: DataTypeUInt64, Value: float64(s.bdSeq)})
	all = append(all, metrics...)
	p := Payload{Timestamp: time.Now().UTC(), Seq: s.seq, Metrics: all}
	s.seq = nextSeq(s.seq)
	return Frame{GroupID: s.groupID, NodeID: s.nodeID, Type: FrameNBIRTH, Payload: p}
}

// DataFrame returns an NDATA frame carrying metrics at the next seq value.
// Metrics should carry only Alias, not Name, per §4.2's alias-compression
// rule for steady-state messages.
func (s *NodeSession) DataFrame(metrics []Metric) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Payload{Timestamp: time.Now().UTC(), Seq: s.seq, Metrics: metrics}
	s.seq = nextSeq(s.seq)
	return Frame{GroupID: s.groupID, NodeID: s.nodeID, Type: FrameNDATA, Payload: p}
}

// DeviceSession is the encoder-side state for one device nested under a
// node. Devices do not have their own bd_seq; DDEATH/DBIRTH ride on the
// node's MQTT session and seq counter.
type DeviceSession struct {
	node     *NodeSession
	deviceID string
}

// NewDeviceSession creates a device session nested under node.
func NewDeviceSession(node *NodeSession, deviceID string) *DeviceSession {
	return &DeviceSession{node: node, deviceID: deviceID}
}

// BirthFrame returns a DBIRTH frame for this device. Unlike NBIRTH, a
// device birth does not reset the node's seq counter — seq is scoped to
// the whole MQTT session, shared by every NDATA/DDATA/DBIRTH the node
// publishes (§4.2).
func (d *DeviceSession) BirthFrame(metrics []Metric) Frame {
	f := d.node.DataFrame(metrics)
	f.Type = FrameDBIRTH
	f.DeviceID = d.deviceID
	return f
}

// DataFrame returns a DDATA frame for this device.
func (d *DeviceSession) DataFrame(metrics []Metric) Frame {
	f := d.node.DataFrame(metrics)
	f.Type = FrameDDATA
	f.DeviceID = d.deviceID
	return f
}

// DeathFrame returns a DDEATH frame for this device (published explicitly
// when a device is known to have gone offline; devices have no MQTT Will
// of their own).
func (d *DeviceSession) DeathFrame() Frame {
	return Frame{
		GroupID:  d.node.groupID,
		NodeID:   d.node.nodeID,
		DeviceID: d.deviceID,
		Type:     FrameDDEATH,
		Payload:  Payload{Timestamp: time.Now().UTC()},
	}
}
