package sfbuffer

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestBuffer(t *testing.T, maxBytes int64, maxCount int) *Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer.db")
	b, err := Open(path, maxBytes, maxCount)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEnqueuePeekAck(t *testing.T) {
	b := openTestBuffer(t, 1<<20, 100)

	seq1, err := b.NextSeq()
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if seq1 != 1 {
		t.Fatalf("first NextSeq() = %d, want 1", seq1)
	}
	if err := b.Enqueue(Envelope{MonotonicSeq: seq1, Topic: "t1", Payload: []byte("a"), QoS: 1, EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	seq2, _ := b.NextSeq()
	if seq2 != 2 {
		t.Fatalf("second NextSeq() = %d, want 2", seq2)
	}
	if err := b.Enqueue(Envelope{MonotonicSeq: seq2, Topic: "t2", Payload: []byte("bb"), QoS: 1, EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	count, bytes := b.Depth()
	if count != 2 {
		t.Fatalf("Depth count = %d, want 2", count)
	}
	if bytes == 0 {
		t.Fatal("Depth bytes should be nonzero")
	}

	envs, err := b.Peek(10)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(envs) != 2 || envs[0].Topic != "t1" || envs[1].Topic != "t2" {
		t.Fatalf("Peek should return envelopes in FIFO order, got %+v", envs)
	}

	if err := b.Ack(seq1); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	count, _ = b.Depth()
	if count != 1 {
		t.Fatalf("Depth count after Ack = %d, want 1", count)
	}
	envs, _ = b.Peek(10)
	if len(envs) != 1 || envs[0].Topic != "t2" {
		t.Fatalf("remaining envelope after Ack should be t2, got %+v", envs)
	}
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	b := openTestBuffer(t, 1<<20, 2) // max 2 envelopes

	for i := 1; i <= 3; i++ {
		seq, _ := b.NextSeq()
		if err := b.Enqueue(Envelope{MonotonicSeq: seq, Topic: "t", Payload: []byte("x"), QoS: 1}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	count, _ := b.Depth()
	if count != 2 {
		t.Fatalf("Depth count = %d, want 2 (bounded by maxCount)", count)
	}
	if b.DroppedTotal() != 1 {
		t.Fatalf("DroppedTotal = %d, want 1", b.DroppedTotal())
	}

	envs, _ := b.Peek(10)
	if len(envs) != 2 || envs[0].MonotonicSeq != 2 || envs[1].MonotonicSeq != 3 {
		t.Fatalf("oldest envelope (seq 1) should have been dropped, got %+v", envs)
	}
}

func TestNextSeqPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.db")
	b1, err := Open(path, 1<<20, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := b1.NextSeq(); err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := Open(path, 1<<20, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	next, err := b2.NextSeq()
	if err != nil {
		t.Fatalf("NextSeq after reopen: %v", err)
	}
	if next != 4 {
		t.Fatalf("monotonic_seq should survive restart, got %d want 4", next)
	}
}

func TestFillRatioTakesTheMaxOfCountAndBytes(t *testing.T) {
	b := openTestBuffer(t, 10, 100) // tiny byte budget, large count budget
	seq, _ := b.NextSeq()
	_ = b.Enqueue(Envelope{MonotonicSeq: seq, Topic: "t", Payload: []byte("12345")})
	ratio := b.FillRatio()
	if ratio < 0.4 {
		t.Fatalf("FillRatio should reflect the byte budget being the binding constraint, got %v", ratio)
	}
}
