package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatsOpKindCause(t *testing.T) {
	e := New(KindAuth, "mqtt.connect", errors.New("tls handshake failed"))
	want := "mqtt.connect: auth: tls handshake failed"
	if got := e.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestUnwrapReturnsWrappedCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := New(KindTransient, "sink.write", cause)
	if errors.Unwrap(e) != cause {
		t.Fatal("Unwrap should return the original cause")
	}
}

func TestKindOfExtractsKindThroughWrapping(t *testing.T) {
	e := New(KindProtocol, "decoder.handle", errors.New("seq gap"))
	wrapped := fmt.Errorf("decoding frame: %w", e)
	if got := KindOf(wrapped); got != KindProtocol {
		t.Fatalf("KindOf through fmt.Errorf wrapping = %v, want %v", got, KindProtocol)
	}
}

func TestKindOfDefaultsToTransientForUnclassifiedErrors(t *testing.T) {
	if got := KindOf(errors.New("plain error")); got != KindTransient {
		t.Fatalf("KindOf(plain error) = %v, want %v", got, KindTransient)
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	cases := map[Kind]string{
		KindConfig:    "config",
		KindTransient: "transient",
		KindAuth:      "auth",
		KindProtocol:  "protocol",
		KindTimeout:   "timeout",
		KindFatal:     "fatal",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
	if got := Kind(99).String(); got != "unknown" {
		t.Fatalf("an out-of-range Kind should stringify to \"unknown\", got %q", got)
	}
}
