// Package decoder implements C6: the node/device session decoder sitting
// between MQTT subscribe and the Normalizer. It tracks birth/death state
// and alias tables per (group_id, node_id)[, device_id], enforces seq
// continuity, and turns resolved metrics into model.Sample values keyed by
// a source address the Normalizer's Tag Bindings can match against.
package decoder

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/model"
	"github.com/oeecore/pipeline/internal/sparkplug"
)

// RebirthRequester publishes a Node Control/Rebirth NCMD for the named
// node, asking the edge gateway to resend NBIRTH with a fresh alias table.
type RebirthRequester interface {
	RequestRebirth(groupID, nodeID string) error
}

// Decoder is the central-processor's Sparkplug session tracker. Safe for
// concurrent Handle calls from multiple MQTT subscriber goroutines.
type Decoder struct {
	mu    sync.Mutex
	nodes map[NodeKey]*nodeState

	ttl      time.Duration
	rebirth  RebirthRequester
	log      *zap.Logger
	stop     chan struct{}

	seqGapsTotal      uint64
	rebirthRequests   uint64
}

// New constructs a Decoder. ttl bounds how long a node's state is kept
// after its last observed frame (default 24h per §4.6) before the sweep
// loop evicts it, bounding memory per §8.
func New(ttl time.Duration, rebirth RebirthRequester, log *zap.Logger) *Decoder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Decoder{
		nodes:   make(map[NodeKey]*nodeState),
		ttl:     ttl,
		rebirth: rebirth,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// RunEvictionSweep periodically (every interval) evicts node state whose
// last-seen timestamp exceeds ttl, until Stop is called.
func (d *Decoder) RunEvictionSweep(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.evictExpired()
		case <-d.stop:
			return
		}
	}
}

// Stop terminates RunEvictionSweep.
func (d *Decoder) Stop() { close(d.stop) }

func (d *Decoder) evictExpired() {
	cutoff := time.Now().Add(-d.ttl)
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, n := range d.nodes {
		n.mu.Lock()
		stale := n.lastSeen.Before(cutoff)
		n.mu.Unlock()
		if stale {
			delete(d.nodes, k)
		}
	}
}

func (d *Decoder) nodeFor(key NodeKey) *nodeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[key]
	if !ok {
		n = newNodeState()
		d.nodes[key] = n
	}
	return n
}

// Handle processes one decoded Sparkplug frame, returning the resolved
// Samples it carries (empty for birth/death frames, which update session
// state but carry no Normalizer-facing metrics other than bdSeq
// bookkeeping).
func (d *Decoder) Handle(f sparkplug.Frame) ([]model.Sample, error) {
	key := NodeKey{GroupID: f.GroupID, NodeID: f.NodeID}
	n := d.nodeFor(key)

	switch f.Type {
	case sparkplug.FrameNBIRTH:
		return nil, d.handleNBirth(key, n, f)
	case sparkplug.FrameNDEATH:
		return nil, d.handleNDeath(n)
	case sparkplug.FrameNDATA:
		return d.handleNData(key, n, f)
	case sparkplug.FrameDBIRTH:
		return nil, d.handleDBirth(key, n, f)
	case sparkplug.FrameDDEATH:
		return nil, d.handleDDeath(n, f.DeviceID)
	case sparkplug.FrameDDATA:
		return d.handleDData(key, n, f)
	default:
		return nil, fmt.Errorf("decoder: unhandled frame type %q", f.Type)
	}
}

func (d *Decoder) handleNBirth(key NodeKey, n *nodeState, f sparkplug.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aliasToName = make(map[uint64]string, len(f.Payload.Metrics))
	for _, m := range f.Payload.Metrics {
		if m.Name == "bdSeq" {
			n.bdSeq = uint64(m.Value)
			continue
		}
		if m.Name != "" {
			n.aliasToName[m.Alias] = m.Name
		}
	}
	n.lastSeq = f.Payload.Seq
	n.online = true
	n.birthed = true
	n.lastSeen = time.Now()
	return nil
}

// handleNDeath marks the node LOST and invalidates its session state
// (§4.6): the alias table and birthed flag are cleared, cascading to every
// child device, so an NDATA/DDATA arriving after NDEATH but before a fresh
// NBIRTH is rejected rather than resolved against a stale alias table.
func (d *Decoder) handleNDeath(n *nodeState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online = false
	n.birthed = false
	n.aliasToName = make(map[uint64]string)
	n.lastSeen = time.Now()
	for _, dev := range n.devices {
		dev.online = false
		dev.birthed = false
	}
	return nil
}

func (d *Decoder) handleNData(key NodeKey, n *nodeState, f sparkplug.Frame) ([]model.Sample, error) {
	n.mu.Lock()
	if !n.birthed {
		n.mu.Unlock()
		d.triggerRebirth(key)
		return nil, fmt.Errorf("decoder: NDATA from %s/%s before NBIRTH, requesting rebirth", key.GroupID, key.NodeID)
	}
	expected := n.lastSeq + 1
	if f.Payload.Seq != expected {
		n.birthed = false
		n.mu.Unlock()
		d.mu.Lock()
		d.seqGapsTotal++
		d.mu.Unlock()
		d.triggerRebirth(key)
		return nil, fmt.Errorf("decoder: seq gap on %s/%s: expected %d, got %d", key.GroupID, key.NodeID, expected, f.Payload.Seq)
	}
	n.lastSeq = f.Payload.Seq
	n.lastSeen = time.Now()
	samples, ok := d.resolveSamples(key.GroupID, key.NodeID, "", n.aliasToName, f.Payload)
	if !ok {
		n.birthed = false
		n.mu.Unlock()
		d.triggerRebirth(key)
		return nil, fmt.Errorf("decoder: unknown alias in NDATA from %s/%s, requesting rebirth", key.GroupID, key.NodeID)
	}
	n.mu.Unlock()
	return samples, nil
}

func (d *Decoder) handleDBirth(key NodeKey, n *nodeState, f sparkplug.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	dev, ok := n.devices[f.DeviceID]
	if !ok {
		dev = newDeviceState()
		n.devices[f.DeviceID] = dev
	}
	dev.aliasToName = make(map[uint64]string, len(f.Payload.Metrics))
	for _, m := range f.Payload.Metrics {
		if m.Name != "" {
			dev.aliasToName[m.Alias] = m.Name
		}
	}
	dev.online = true
	dev.birthed = true
	dev.lastSeen = time.Now()
	n.lastSeq = f.Payload.Seq
	n.lastSeen = time.Now()
	return nil
}

func (d *Decoder) handleDDeath(n *nodeState, deviceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dev, ok := n.devices[deviceID]; ok {
		dev.online = false
		dev.lastSeen = time.Now()
	}
	return nil
}

func (d *Decoder) handleDData(key NodeKey, n *nodeState, f sparkplug.Frame) ([]model.Sample, error) {
	n.mu.Lock()
	dev, ok := n.devices[f.DeviceID]
	if !ok || !dev.birthed {
		n.mu.Unlock()
		d.triggerRebirth(key)
		return nil, fmt.Errorf("decoder: DDATA from %s/%s/%s before DBIRTH, requesting rebirth", key.GroupID, key.NodeID, f.DeviceID)
	}
	expected := n.lastSeq + 1
	if f.Payload.Seq != expected {
		n.birthed = false
		dev.birthed = false
		n.mu.Unlock()
		d.mu.Lock()
		d.seqGapsTotal++
		d.mu.Unlock()
		d.triggerRebirth(key)
		return nil, fmt.Errorf("decoder: seq gap on %s/%s/%s: expected %d, got %d", key.GroupID, key.NodeID, f.DeviceID, expected, f.Payload.Seq)
	}
	n.lastSeq = f.Payload.Seq
	n.lastSeen = time.Now()
	dev.lastSeen = time.Now()
	samples, ok := d.resolveSamples(key.GroupID, key.NodeID, f.DeviceID, dev.aliasToName, f.Payload)
	if !ok {
		n.birthed = false
		dev.birthed = false
		n.mu.Unlock()
		d.triggerRebirth(key)
		return nil, fmt.Errorf("decoder: unknown alias in DDATA from %s/%s/%s, requesting rebirth", key.GroupID, key.NodeID, f.DeviceID)
	}
	n.mu.Unlock()
	return samples, nil
}

// resolveSamples turns a Payload's aliased metrics into Samples addressed
// by "<group>/<node>[/<device>]/<metricName>", the source_address form
// Tag Bindings are configured against. An unknown alias invalidates the
// whole frame (§4.6): the caller drops it entirely and requests a rebirth
// rather than resolving the metrics it did recognize.
func (d *Decoder) resolveSamples(groupID, nodeID, deviceID string, aliasToName map[uint64]string, p sparkplug.Payload) ([]model.Sample, bool) {
	samples := make([]model.Sample, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		name, ok := aliasToName[m.Alias]
		if !ok {
			return nil, false
		}
		addr := groupID + "/" + nodeID
		if deviceID != "" {
			addr += "/" + deviceID
		}
		addr += "/" + name

		quality := model.QualityGood
		if m.IsNull {
			quality = model.QualityBad
		}
		value := m.Value
		if m.DataType == sparkplug.DataTypeBoolean {
			if m.BoolValue {
				value = 1
			} else {
				value = 0
			}
		}
		samples = append(samples, model.Sample{
			Timestamp:     m.Timestamp,
			SourceAddress: addr,
			Value:         value,
			Quality:       quality,
		})
	}
	return samples, true
}

func (d *Decoder) triggerRebirth(key NodeKey) {
	d.mu.Lock()
	d.rebirthRequests++
	d.mu.Unlock()
	if d.rebirth == nil {
		return
	}
	if err := d.rebirth.RequestRebirth(key.GroupID, key.NodeID); err != nil {
		d.log.Warn("decoder: rebirth request failed", zap.String("group_id", key.GroupID), zap.String("node_id", key.NodeID), zap.Error(err))
	}
}

// Stats returns the cumulative seq-gap and rebirth-request counters, for
// the observability metrics bridge.
func (d *Decoder) Stats() (seqGaps, rebirthRequests uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seqGapsTotal, d.rebirthRequests
}
