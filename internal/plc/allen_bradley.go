package plc

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/oeecore/pipeline/internal/model"
)

func init() {
	RegisterDriver("allen_bradley", newAllenBradleyDriver)
}

// abDriver speaks a minimal EtherNet/IP-flavored request/response exchange
// against Allen-Bradley ControlLogix-family controllers: a registration
// handshake followed by per-tag CIP read requests. Allen-Bradley tags are
// symbolic names rather than numeric node-ids, which is the only material
// difference from the opcua driver's wire shape.
type abDriver struct {
	sess *tcpSession
	cfg  EndpointConfig
}

func newAllenBradleyDriver(cfg EndpointConfig) (Driver, error) {
	return &abDriver{sess: newTCPSession(cfg.Endpoint, nil), cfg: cfg}, nil
}

func (d *abDriver) Open(ctx context.Context) error {
	if err := d.sess.open(ctx); err != nil {
		return err
	}
	reg := make([]byte, 24)
	copy(reg, []byte("REGISTERSESSION"))
	if _, err := d.sess.write(reg); err != nil {
		return err
	}
	resp := make([]byte, 24)
	_, err := d.sess.read(resp)
	return err
}

func (d *abDriver) ReadBatch(ctx context.Context) ([]model.Sample, error) {
	now := time.Now().UTC()
	samples := make([]model.Sample, len(d.cfg.Tags))
	for i, tag := range d.cfg.Tags {
		req := cipReadRequest(tag)
		if _, err := d.sess.write(req); err != nil {
			samples[i] = model.Sample{Timestamp: now, SourceAddress: tag, Quality: model.QualityBad}
			continue
		}
		resp := make([]byte, 16)
		if _, err := d.sess.read(resp); err != nil {
			samples[i] = model.Sample{Timestamp: now, SourceAddress: tag, Quality: model.QualityBad}
			continue
		}
		samples[i] = model.Sample{
			Timestamp:     now,
			SourceAddress: tag,
			Value:         math.Float64frombits(binary.BigEndian.Uint64(resp[:8])),
			Quality:       model.QualityGood,
		}
	}
	return samples, nil
}

func (d *abDriver) Subscribe(ctx context.Context, out chan<- model.Sample) error {
	return ErrUnsupported("allen_bradley")
}

func (d *abDriver) Close() error { return d.sess.close() }

func cipReadRequest(tagName string) []byte {
	b := make([]byte, 4, 4+len(tagName))
	copy(b, []byte("CRDT"))
	return append(b, []byte(tagName)...)
}
