package sparkplug

import (
	"testing"
	"time"
)

func TestEncodeDecodePayloadAllDataTypes(t *testing.T) {
	now := time.UnixMilli(1700000001000).UTC()
	p := Payload{
		Timestamp: now,
		Seq:       255,
		Metrics: []Metric{
			{Name: "bdSeq", Alias: 0, Timestamp: now, DataType: DataTypeUInt64, Value: 3},
			{Name: "tempC", Alias: 1, Timestamp: now, DataType: DataTypeDouble, Value: 21.75},
			{Name: "running", Alias: 2, Timestamp: now, DataType: DataTypeBoolean, BoolValue: true},
			{Name: "status", Alias: 3, Timestamp: now, DataType: DataTypeString, StringValue: "ok"},
			{Name: "count", Alias: 4, Timestamp: now, DataType: DataTypeInt32, Value: -12},
			{Name: "null_metric", Alias: 5, Timestamp: now, DataType: DataTypeDouble, IsNull: true},
		},
	}

	raw := EncodePayload(p)
	got, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.Seq != 255 {
		t.Errorf("seq = %d, want 255", got.Seq)
	}
	if len(got.Metrics) != len(p.Metrics) {
		t.Fatalf("metrics = %d, want %d", len(got.Metrics), len(p.Metrics))
	}

	if got.Metrics[1].Value != 21.75 {
		t.Errorf("double metric value = %v, want 21.75", got.Metrics[1].Value)
	}
	if !got.Metrics[2].BoolValue {
		t.Error("boolean metric should decode true")
	}
	if got.Metrics[3].StringValue != "ok" {
		t.Errorf("string metric = %q, want %q", got.Metrics[3].StringValue, "ok")
	}
	if got.Metrics[4].Value != -12 {
		t.Errorf("int32 metric = %v, want -12", got.Metrics[4].Value)
	}
	if !got.Metrics[5].IsNull {
		t.Error("null metric should decode IsNull=true")
	}
}

func TestEncodeDecodeRoundTripsUnsignedIntegersAboveSignedRange(t *testing.T) {
	p := Payload{
		Seq: 1,
		Metrics: []Metric{
			{Alias: 1, DataType: DataTypeUInt32, Value: 4294967290},
			{Alias: 2, DataType: DataTypeUInt16, Value: 65530},
			{Alias: 3, DataType: DataTypeUInt8, Value: 250},
			{Alias: 4, DataType: DataTypeInt32, Value: -6},
		},
	}

	got, err := DecodePayload(EncodePayload(p))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(got.Metrics) != len(p.Metrics) {
		t.Fatalf("metrics = %d, want %d", len(got.Metrics), len(p.Metrics))
	}
	if got.Metrics[0].Value != 4294967290 {
		t.Errorf("uint32 metric = %v, want 4294967290 (not signed-reinterpreted)", got.Metrics[0].Value)
	}
	if got.Metrics[1].Value != 65530 {
		t.Errorf("uint16 metric = %v, want 65530", got.Metrics[1].Value)
	}
	if got.Metrics[2].Value != 250 {
		t.Errorf("uint8 metric = %v, want 250", got.Metrics[2].Value)
	}
	if got.Metrics[3].Value != -6 {
		t.Errorf("signed int32 metric = %v, want -6", got.Metrics[3].Value)
	}
}

func TestDecodePayloadSkipsMalformedMetricNotWholeFrame(t *testing.T) {
	good := Payload{Seq: 1, Metrics: []Metric{{Alias: 1, DataType: DataTypeDouble, Value: 1.0}}}
	raw := EncodePayload(good)

	// Append a metric submessage with a malformed tag to the bytes; the rest
	// of the valid frame should still decode.
	corrupt := append([]byte{}, raw...)
	corrupt = append(corrupt, 0x12, 0x01, 0xFF) // field 2 (metrics), len 1, invalid inner tag byte

	got, err := DecodePayload(corrupt)
	if err != nil {
		t.Fatalf("DecodePayload should isolate the bad metric, not error: %v", err)
	}
	if len(got.Metrics) != 1 {
		t.Fatalf("expected the one well-formed metric to survive, got %d", len(got.Metrics))
	}
}
