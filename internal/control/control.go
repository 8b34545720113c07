// Package control implements C6's inbound command handling (§6): decoded
// NCMD/DCMD Sparkplug frames are dispatched to one of a closed set of
// commands — Node Control/Rebirth, Device Control/Acknowledge Fault,
// Device Control/Resolve Fault — the same dispatch-by-name shape the
// teacher's operator socket server uses for its reset/pin/unpin/status
// commands, with the transport swapped from a Unix socket JSON protocol
// to decoded Sparkplug command frames.
package control

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oeecore/pipeline/internal/fault"
	"github.com/oeecore/pipeline/internal/sparkplug"
)

// Command names, matching the Sparkplug metric name convention used for
// Node/Device Control metrics.
const (
	CommandNodeRebirth            = "Node Control/Rebirth"
	CommandAcknowledgeFault       = "Device Control/Acknowledge Fault"
	CommandResolveFault           = "Device Control/Resolve Fault"
)

// RebirthPublisher republishes NBIRTH/DBIRTH for the named node, in
// response to a Node Control/Rebirth command.
type RebirthPublisher interface {
	PublishRebirth(groupID, nodeID string) error
}

// Dispatcher routes decoded NCMD/DCMD frames to the fault manager or the
// rebirth publisher.
type Dispatcher struct {
	faults  *fault.Manager
	rebirth RebirthPublisher
	log     *zap.Logger
}

// New constructs a Dispatcher.
func New(faults *fault.Manager, rebirth RebirthPublisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{faults: faults, rebirth: rebirth, log: log}
}

// Handle processes one NCMD or DCMD frame. assetRef identifies the device
// for DCMD commands; it is the caller's responsibility to resolve
// (group_id, node_id, device_id) to an asset_ref the same way the
// Normalizer's Tag Bindings do.
func (d *Dispatcher) Handle(f sparkplug.Frame, assetRef string) error {
	if !f.Type.IsCommand() {
		return fmt.Errorf("control: Handle called with non-command frame type %q", f.Type)
	}
	for _, m := range f.Payload.Metrics {
		if err := d.dispatch(m, f, assetRef); err != nil {
			d.log.Warn("control: command dispatch failed", zap.String("command", m.Name), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(m sparkplug.Metric, f sparkplug.Frame, assetRef string) error {
	switch m.Name {
	case CommandNodeRebirth:
		return d.cmdRebirth(f)
	case CommandAcknowledgeFault:
		return d.cmdAcknowledgeFault(assetRef, m)
	case CommandResolveFault:
		return d.cmdResolveFault(assetRef, m)
	default:
		return fmt.Errorf("control: unknown command %q", m.Name)
	}
}

func (d *Dispatcher) cmdRebirth(f sparkplug.Frame) error {
	if d.rebirth == nil {
		return fmt.Errorf("control: no rebirth publisher configured")
	}
	return d.rebirth.PublishRebirth(f.GroupID, f.NodeID)
}

func (d *Dispatcher) cmdAcknowledgeFault(assetRef string, m sparkplug.Metric) error {
	code := m.StringValue
	if code == "" {
		return fmt.Errorf("control: acknowledge fault command missing code")
	}
	if _, ok := d.faults.Acknowledge(assetRef, code, time.Now().UTC()); !ok {
		return fmt.Errorf("control: no acknowledgeable fault %s/%s", assetRef, code)
	}
	return nil
}

func (d *Dispatcher) cmdResolveFault(assetRef string, m sparkplug.Metric) error {
	code := m.StringValue
	if code == "" {
		return fmt.Errorf("control: resolve fault command missing code")
	}
	if _, ok := d.faults.ResolveManual(assetRef, code, time.Now().UTC()); !ok {
		return fmt.Errorf("control: no resolvable fault %s/%s", assetRef, code)
	}
	return nil
}
