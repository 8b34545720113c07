package plc

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/oeecore/pipeline/internal/model"
)

func init() {
	RegisterDriver("siemens_s7", newSiemensS7Driver)
}

// s7Driver speaks a minimal S7comm-flavored exchange against Siemens
// S7-300/400/1200/1500 controllers: a COTP connection-request handshake
// followed by per-tag DB-address read requests (tag strings are expected
// in "DB<n>.DBD<offset>"-style addressing, opaque to this driver — it
// forwards the raw string as the read key).
type s7Driver struct {
	sess *tcpSession
	cfg  EndpointConfig
}

func newSiemensS7Driver(cfg EndpointConfig) (Driver, error) {
	return &s7Driver{sess: newTCPSession(cfg.Endpoint, nil), cfg: cfg}, nil
}

func (d *s7Driver) Open(ctx context.Context) error {
	if err := d.sess.open(ctx); err != nil {
		return err
	}
	cotp := make([]byte, 22)
	copy(cotp, []byte("COTP_CONNECT_REQUEST"))
	if _, err := d.sess.write(cotp); err != nil {
		return err
	}
	resp := make([]byte, 22)
	_, err := d.sess.read(resp)
	return err
}

func (d *s7Driver) ReadBatch(ctx context.Context) ([]model.Sample, error) {
	now := time.Now().UTC()
	samples := make([]model.Sample, len(d.cfg.Tags))
	for i, addr := range d.cfg.Tags {
		req := s7ReadRequest(addr)
		if _, err := d.sess.write(req); err != nil {
			samples[i] = model.Sample{Timestamp: now, SourceAddress: addr, Quality: model.QualityBad}
			continue
		}
		resp := make([]byte, 16)
		if _, err := d.sess.read(resp); err != nil {
			samples[i] = model.Sample{Timestamp: now, SourceAddress: addr, Quality: model.QualityBad}
			continue
		}
		samples[i] = model.Sample{
			Timestamp:     now,
			SourceAddress: addr,
			Value:         math.Float64frombits(binary.BigEndian.Uint64(resp[:8])),
			Quality:       model.QualityGood,
		}
	}
	return samples, nil
}

func (d *s7Driver) Subscribe(ctx context.Context, out chan<- model.Sample) error {
	return ErrUnsupported("siemens_s7")
}

func (d *s7Driver) Close() error { return d.sess.close() }

func s7ReadRequest(dbAddr string) []byte {
	b := make([]byte, 4, 4+len(dbAddr))
	copy(b, []byte("S7RD"))
	return append(b, []byte(dbAddr)...)
}
