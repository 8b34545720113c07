package sparkplug

import (
	"fmt"
	"strings"
)

// FrameType is the closed set of Sparkplug B message types this pipeline
// speaks (§4.2): the four lifecycle messages, the two data messages, and
// the two command messages used by C6 control (§6).
type FrameType string

const (
	FrameNBIRTH FrameType = "NBIRTH"
	FrameNDEATH FrameType = "NDEATH"
	FrameDBIRTH FrameType = "DBIRTH"
	FrameDDEATH FrameType = "DDEATH"
	FrameNDATA  FrameType = "NDATA"
	FrameDDATA  FrameType = "DDATA"
	FrameNCMD   FrameType = "NCMD"
	FrameDCMD   FrameType = "DCMD"
)

// Frame is a decoded Sparkplug B MQTT message: topic components plus
// payload. namespace is always "spBv1.0" in this implementation.
type Frame struct {
	GroupID  string
	NodeID   string
	DeviceID string // empty for node-level frames (NBIRTH/NDEATH/NDATA/NCMD)
	Type     FrameType
	Payload  Payload
}

const namespace = "spBv1.0"

// Topic builds the MQTT topic string for f: spBv1.0/<group>/<type>/<node>[/<device>].
func (f Frame) Topic() string {
	parts := []string{namespace, f.GroupID, string(f.Type), f.NodeID}
	if f.DeviceID != "" {
		parts = append(parts, f.DeviceID)
	}
	return strings.Join(parts, "/")
}

// Encode serialises f to its MQTT topic and payload bytes.
func Encode(f Frame) (topic string, payload []byte) {
	return f.Topic(), EncodePayload(f.Payload)
}

// Decode parses an inbound MQTT topic and payload into a Frame. Returns an
// error if the topic does not match the spBv1.0 namespace layout; a
// malformed payload still yields a Frame with an empty metric list rather
// than an error, so that session bookkeeping (seq, birth/death) proceeds
// even when an individual metric fails to parse.
func Decode(topic string, payload []byte) (Frame, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != namespace {
		return Frame{}, fmt.Errorf("sparkplug: Decode: topic %q is not a valid spBv1.0 topic", topic)
	}
	f := Frame{
		GroupID: parts[1],
		Type:    FrameType(parts[2]),
		NodeID:  parts[3],
	}
	if len(parts) >= 5 {
		f.DeviceID = parts[4]
	}
	switch f.Type {
	case FrameNBIRTH, FrameNDEATH, FrameDBIRTH, FrameDDEATH, FrameNDATA, FrameDDATA, FrameNCMD, FrameDCMD:
	default:
		return Frame{}, fmt.Errorf("sparkplug: Decode: unknown frame type %q in topic %q", f.Type, topic)
	}
	p, err := DecodePayload(payload)
	if err != nil {
		return f, nil
	}
	f.Payload = p
	return f, nil
}

// IsBirth reports whether t is a node or device birth message.
func (t FrameType) IsBirth() bool { return t == FrameNBIRTH || t == FrameDBIRTH }

// IsDeath reports whether t is a node or device death message.
func (t FrameType) IsDeath() bool { return t == FrameNDEATH || t == FrameDDEATH }

// IsData reports whether t carries steady-state telemetry.
func (t FrameType) IsData() bool { return t == FrameNDATA || t == FrameDDATA }

// IsCommand reports whether t is a command addressed to this node/device.
func (t FrameType) IsCommand() bool { return t == FrameNCMD || t == FrameDCMD }

// IsNodeLevel reports whether t applies to the node rather than a device.
func (t FrameType) IsNodeLevel() bool {
	return t == FrameNBIRTH || t == FrameNDEATH || t == FrameNDATA || t == FrameNCMD
}
