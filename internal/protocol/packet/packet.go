// Package packet defines the one-byte envelope that distinguishes handshake
// messages from session data on top of any transport.
package packet

import (
	"errors"
	"fmt"
)

// Type tags a transport payload.
type Type byte

const (
	TypeHandshake1 Type = 1
	TypeHandshake2 Type = 2
	TypeHandshake3 Type = 3
	TypeAbort      Type = 4
	TypeData       Type = 16
)

// ErrMalformed is returned for empty or unknown packets.
var ErrMalformed = errors.New("packet: malformed")

// String returns the short name of the type.
func (t Type) String() string {
	switch t {
	case TypeHandshake1:
		return "hs1"
	case TypeHandshake2:
		return "hs2"
	case TypeHandshake3:
		return "hs3"
	case TypeAbort:
		return "abort"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// IsHandshake reports whether t belongs to the handshake exchange.
func (t Type) IsHandshake() bool {
	return t >= TypeHandshake1 && t <= TypeAbort
}

// Encode prefixes body with its type.
func Encode(t Type, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(t)
	copy(out[1:], body)
	return out
}

// Decode splits a payload into type and body. The body aliases b.
func Decode(b []byte) (Type, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	t := Type(b[0])
	switch t {
	case TypeHandshake1, TypeHandshake2, TypeHandshake3, TypeAbort, TypeData:
		return t, b[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, b[0])
	}
}
