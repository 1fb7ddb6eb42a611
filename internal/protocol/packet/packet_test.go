package packet

import (
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	b := Encode(TypeData, []byte("body"))
	typ, body, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if typ != TypeData || string(body) != "body" {
		t.Fatalf("got %v %q", typ, body)
	}
	if typ.IsHandshake() {
		t.Fatalf("data reported as handshake")
	}
	if !TypeAbort.IsHandshake() {
		t.Fatalf("abort not reported as handshake")
	}
}

func TestDecodeRejects(t *testing.T) {
	for _, b := range [][]byte{nil, {0}, {99, 1, 2}} {
		if _, _, err := Decode(b); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%v) = %v", b, err)
		}
	}
}
