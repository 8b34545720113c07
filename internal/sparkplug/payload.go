// Package sparkplug implements the Sparkplug B wire codec (C2): encoding
// and decoding frames with the protobuf-compatible Sparkplug B payload,
// plus the node/device birth-death session state
// machine described in §4.2.
//
// The payload is hand-encoded with protowire rather than generated from a
// .proto file — the same manual-wire-layout idiom the teacher uses in its
// kernel event ring-buffer parser, just at the protobuf wire level instead
// of a raw C struct layout. This keeps the codec dependency-light (only
// google.golang.org/protobuf/encoding/protowire, already present transitively)
// while remaining bit-compatible with the public Sparkplug B specification's
// field numbers.
package sparkplug

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataType mirrors the Sparkplug B Payload.Metric.datatype enumeration,
// restricted to the subset named in §6: Int8/16/32/64, UInt variants,
// Float, Double, Boolean, String, DateTime.
type DataType uint32

const (
	DataTypeInt8     DataType = 1
	DataTypeInt16    DataType = 2
	DataTypeInt32    DataType = 3
	DataTypeInt64    DataType = 4
	DataTypeUInt8    DataType = 5
	DataTypeUInt16   DataType = 6
	DataTypeUInt32   DataType = 7
	DataTypeUInt64   DataType = 8
	DataTypeFloat    DataType = 9
	DataTypeDouble   DataType = 10
	DataTypeBoolean  DataType = 11
	DataTypeString   DataType = 12
	DataTypeDateTime DataType = 13
)

// Metric is one Sparkplug B Payload.Metric entry. In NBIRTH/DBIRTH, Name is
// populated and Alias is assigned by the encoder; in NDATA/DDATA, only
// Alias is sent (Name is empty on the wire, resolved centrally via the
// alias table — §4.2).
type Metric struct {
	Name      string
	Alias     uint64
	Timestamp time.Time
	DataType  DataType
	IsNull    bool

	// Value holds the metric value widened to float64 for numeric types
	// and for DataTypeDateTime (sent as an integer long_value on the wire),
	// BoolValue for DataTypeBoolean, StringValue for DataTypeString.
	Value       float64
	BoolValue   bool
	StringValue string
}

// Payload is the Sparkplug B Payload message: a timestamp, a sequence
// number, and a list of metrics.
type Payload struct {
	Timestamp time.Time
	Seq       uint8
	Metrics   []Metric
}

// Payload field numbers (Sparkplug B spec).
const (
	fieldPayloadTimestamp = 1
	fieldPayloadMetrics   = 2
	fieldPayloadSeq       = 3
)

// Metric field numbers (Sparkplug B spec).
const (
	fieldMetricName      = 1
	fieldMetricAlias     = 2
	fieldMetricTimestamp = 3
	fieldMetricDataType  = 4
	fieldMetricIsNull    = 5
	fieldMetricIntValue     = 6
	fieldMetricLongValue    = 7
	fieldMetricFloatValue   = 8
	fieldMetricDoubleValue  = 9
	fieldMetricBooleanValue = 10
	fieldMetricStringValue  = 11
)

// EncodePayload serialises a Payload to Sparkplug B protobuf wire bytes.
func EncodePayload(p Payload) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPayloadTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Timestamp.UnixMilli()))
	b = protowire.AppendTag(b, fieldPayloadSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Seq))
	for _, m := range p.Metrics {
		mb := encodeMetric(m)
		b = protowire.AppendTag(b, fieldPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	return b
}

func encodeMetric(m Metric) []byte {
	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, fieldMetricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	b = protowire.AppendTag(b, fieldMetricAlias, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Alias)
	b = protowire.AppendTag(b, fieldMetricTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Timestamp.UnixMilli()))
	b = protowire.AppendTag(b, fieldMetricDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.DataType))
	if m.IsNull {
		b = protowire.AppendTag(b, fieldMetricIsNull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
		return b
	}

	switch m.DataType {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeUInt8, DataTypeUInt16, DataTypeUInt32:
		b = protowire.AppendTag(b, fieldMetricIntValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Value))&0xFFFFFFFF)
	case DataTypeInt64, DataTypeUInt64, DataTypeDateTime:
		b = protowire.AppendTag(b, fieldMetricLongValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Value)))
	case DataTypeFloat:
		b = protowire.AppendTag(b, fieldMetricFloatValue, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(m.Value)))
	case DataTypeDouble:
		b = protowire.AppendTag(b, fieldMetricDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.Value))
	case DataTypeBoolean:
		b = protowire.AppendTag(b, fieldMetricBooleanValue, protowire.VarintType)
		v := uint64(0)
		if m.BoolValue {
			v = 1
		}
		b = protowire.AppendVarint(b, v)
	case DataTypeString:
		b = protowire.AppendTag(b, fieldMetricStringValue, protowire.BytesType)
		b = protowire.AppendString(b, m.StringValue)
	default:
		// Unknown datatype: encode as double for forward compatibility.
		b = protowire.AppendTag(b, fieldMetricDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.Value))
	}
	return b
}

// DecodePayload parses Sparkplug B protobuf wire bytes into a Payload.
// Decode errors are isolated to the offending frame (§4.2): a malformed
// sub-field is skipped rather than aborting the whole decode, except for a
// structurally truncated buffer which returns an error.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("sparkplug: DecodePayload: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldPayloadTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("sparkplug: DecodePayload: malformed timestamp")
			}
			p.Timestamp = time.UnixMilli(int64(v)).UTC()
			b = b[n:]
		case fieldPayloadSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("sparkplug: DecodePayload: malformed seq")
			}
			p.Seq = uint8(v)
			b = b[n:]
		case fieldPayloadMetrics:
			mb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, fmt.Errorf("sparkplug: DecodePayload: malformed metric")
			}
			b = b[n:]
			m, err := decodeMetric(mb)
			if err != nil {
				// Isolated: skip this metric, continue with the rest of the frame.
				continue
			}
			p.Metrics = append(p.Metrics, m)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("sparkplug: DecodePayload: malformed unknown field %d", num)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func decodeMetric(b []byte) (Metric, error) {
	var m Metric
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("sparkplug: decodeMetric: malformed tag")
		}
		b = b[n:]
		switch num {
		case fieldMetricName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("malformed name")
			}
			m.Name = v
			b = b[n:]
		case fieldMetricAlias:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("malformed alias")
			}
			m.Alias = v
			b = b[n:]
		case fieldMetricTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("malformed timestamp")
			}
			m.Timestamp = time.UnixMilli(int64(v)).UTC()
			b = b[n:]
		case fieldMetricDataType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("malformed datatype")
			}
			m.DataType = DataType(v)
			b = b[n:]
		case fieldMetricIsNull:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("malformed is_null")
			}
			m.IsNull = v != 0
			b = b[n:]
		case fieldMetricIntValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("malformed int_value")
			}
			if m.DataType == DataTypeUInt8 || m.DataType == DataTypeUInt16 || m.DataType == DataTypeUInt32 {
				m.Value = float64(uint32(v))
			} else {
				m.Value = float64(int32(uint32(v)))
			}
			b = b[n:]
		case fieldMetricLongValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("malformed long_value")
			}
			if m.DataType == DataTypeUInt64 {
				m.Value = float64(v)
			} else {
				m.Value = float64(int64(v))
			}
			b = b[n:]
		case fieldMetricFloatValue:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return m, fmt.Errorf("malformed float_value")
			}
			m.Value = float64(math.Float32frombits(v))
			b = b[n:]
		case fieldMetricDoubleValue:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, fmt.Errorf("malformed double_value")
			}
			m.Value = math.Float64frombits(v)
			b = b[n:]
		case fieldMetricBooleanValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("malformed boolean_value")
			}
			m.BoolValue = v != 0
			b = b[n:]
		case fieldMetricStringValue:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("malformed string_value")
			}
			m.StringValue = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("malformed unknown metric field %d", num)
			}
			b = b[n:]
		}
	}
	return m, nil
}
