// Package sfbuffer implements C4: the store-and-forward buffer between
// Sparkplug encoding and MQTT publish. Envelopes are durable across
// restart (BoltDB-backed, mirroring the teacher's storage.DB buckets: one
// bucket for queued envelopes keyed by a sortable monotonic sequence, one
// for the persisted counter itself), bounded by both byte count and
// envelope count, and dropped oldest-first on overflow (§4.4).
package sfbuffer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current BoltDB schema version for the buffer file.
	SchemaVersion = "1"

	bucketEnvelopes = "envelopes"
	bucketMeta      = "meta"

	keyMonotonicSeq = "monotonic_seq"
	keySchema       = "schema_version"
)

// Envelope is one durably-queued outbound Sparkplug frame: topic, wire
// payload, and the monotonic_seq this pipeline instance assigned it (used
// by the sink's dedup key downstream, §4.10).
type Envelope struct {
	MonotonicSeq uint64    `json:"monotonic_seq"`
	Topic        string    `json:"topic"`
	Payload      []byte    `json:"payload"`
	QoS          byte      `json:"qos"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Buffer is a durable FIFO queue of Envelopes bounded by MaxBytes and
// MaxCount. Single-writer (BoltDB), safe for concurrent Enqueue/Ack calls
// from the caller's own goroutines via an internal mutex serialising
// transactions — bbolt itself only allows one writer at a time regardless.
type Buffer struct {
	mu       sync.Mutex
	db       *bolt.DB
	maxBytes int64
	maxCount int

	curBytes int64
	curCount int

	droppedTotal uint64
}

// Open opens (or creates) the buffer's BoltDB file at path.
func Open(path string, maxBytes int64, maxCount int) (*Buffer, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("sfbuffer: bolt.Open(%q): %w", path, err)
	}
	b := &Buffer{db: bdb, maxBytes: maxBytes, maxCount: maxCount}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEnvelopes, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(keySchema)) == nil {
			if err := meta.Put([]byte(keySchema), []byte(SchemaVersion)); err != nil {
				return err
			}
		}
		if meta.Get([]byte(keyMonotonicSeq)) == nil {
			if err := meta.Put([]byte(keyMonotonicSeq), encodeSeq(0)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("sfbuffer: initialisation failed: %w", err)
	}

	if err := b.loadCurrentSize(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) loadCurrentSize() error {
	return b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucketEnvelopes))
		c := bk.Cursor()
		var count int
		var size int64
		for k, v := c.First(); k != nil; k, v = c.Next() {
			count++
			size += int64(len(v))
		}
		b.curCount = count
		b.curBytes = size
		return nil
	})
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// NextSeq atomically allocates and persists the next monotonic_seq value.
// Persisted so a restart never reuses a sequence number already acked
// downstream (§8's "monotonic_seq strictly increasing" invariant survives
// process restarts, not just within one run).
func (b *Buffer) NextSeq() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var next uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		cur := decodeSeq(meta.Get([]byte(keyMonotonicSeq)))
		next = cur + 1
		return meta.Put([]byte(keyMonotonicSeq), encodeSeq(next))
	})
	return next, err
}

// Enqueue durably appends env to the tail of the queue. If the queue is at
// or over either bound, the oldest envelope(s) are dropped first
// (drop-oldest overflow policy, §4.4), and DroppedTotal is incremented per
// dropped envelope.
func (b *Buffer) Enqueue(env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sfbuffer: marshal envelope: %w", err)
	}
	key := encodeSeq(env.MonotonicSeq)

	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucketEnvelopes))

		for (b.curCount+1 > b.maxCount) || (b.curBytes+int64(len(data)) > b.maxBytes) {
			c := bk.Cursor()
			oldestKey, oldestVal := c.First()
			if oldestKey == nil {
				break
			}
			if err := bk.Delete(oldestKey); err != nil {
				return fmt.Errorf("drop oldest: %w", err)
			}
			b.curCount--
			b.curBytes -= int64(len(oldestVal))
			b.droppedTotal++
		}

		if err := bk.Put(key, data); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		b.curCount++
		b.curBytes += int64(len(data))
		return nil
	})
}

// Peek returns up to n envelopes from the head of the queue, in FIFO
// order, without removing them. Used by the publish drain loop, which
// removes an envelope only once the broker has acked it (Ack, §4.4).
func (b *Buffer) Peek(n int) ([]Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucketEnvelopes))
		c := bk.Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var env Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				continue // corrupt record: skip rather than abort the drain
			}
			out = append(out, env)
		}
		return nil
	})
	return out, err
}

// Ack removes the envelope with the given monotonic_seq from the queue.
// Called only after the broker has acknowledged the publish (PUBACK for
// QoS 1), never speculatively.
func (b *Buffer) Ack(seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := encodeSeq(seq)
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucketEnvelopes))
		v := bk.Get(key)
		if v == nil {
			return nil
		}
		if err := bk.Delete(key); err != nil {
			return err
		}
		b.curCount--
		b.curBytes -= int64(len(v))
		return nil
	})
}

// Depth returns the current envelope count and byte size, for the
// backpressure controller's fill-ratio computation (§4.5).
func (b *Buffer) Depth() (count int, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.curCount, b.curBytes
}

// FillRatio returns max(count/maxCount, bytes/maxBytes), the signal the
// backpressure controller thresholds against.
func (b *Buffer) FillRatio() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	byCount := float64(b.curCount) / float64(b.maxCount)
	byBytes := float64(b.curBytes) / float64(b.maxBytes)
	if byBytes > byCount {
		return byBytes
	}
	return byCount
}

// DroppedTotal returns the cumulative number of envelopes dropped to
// overflow since this Buffer was opened.
func (b *Buffer) DroppedTotal() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedTotal
}

// Close closes the underlying BoltDB file. Callers should stop enqueuing
// before calling Close and allow ShutdownFlushDeadline to drain first
// (§4.4's shutdown contract), but Close itself is always safe to call.
func (b *Buffer) Close() error {
	return b.db.Close()
}
