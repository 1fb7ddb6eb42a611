package relay

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"murmur/internal/domain"
)

// MaxPayload is the largest payload the relay accepts.
const MaxPayload = 64 * 1024

// MaxFrame bounds an encoded frame on the websocket. Anything larger is
// connection-fatal.
const MaxFrame = MaxPayload + 4096

// FrameType tags a relay frame.
type FrameType uint8

const (
	FrameRegister   FrameType = 1
	FrameRegistered FrameType = 2
	FramePayload    FrameType = 3
	FrameQueued     FrameType = 4
	FrameError      FrameType = 5
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameRegister:
		return "Register"
	case FrameRegistered:
		return "Registered"
	case FramePayload:
		return "Payload"
	case FrameQueued:
		return "Queued"
	case FrameError:
		return "Error"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

var (
	// ErrMalformed is returned for frames that do not decode or validate.
	ErrMalformed = errors.New("relay: malformed frame")

	// ErrPayloadTooLarge is returned for payloads above MaxPayload.
	ErrPayloadTooLarge = errors.New("relay: payload too large")
)

// Frame is the single wire message. Only the fields relevant to Type are set.
type Frame struct {
	Type    FrameType     `cbor:"1,keyasint"`
	PeerID  domain.PeerID `cbor:"2,keyasint,omitempty"`
	From    domain.PeerID `cbor:"3,keyasint,omitempty"`
	To      domain.PeerID `cbor:"4,keyasint,omitempty"`
	Payload []byte        `cbor:"5,keyasint,omitempty"`
	Count   int           `cbor:"6,keyasint,omitempty"`
	Reason  string        `cbor:"7,keyasint,omitempty"`

	// TTL is how long, in seconds, the relay may hold an undeliverable
	// payload. Zero means the relay default.
	TTL uint32 `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxMapPairs:      16,
		MaxArrayElements: 16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Validate checks that the fields required by Type are present.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameRegister, FrameRegistered:
		if f.PeerID == "" {
			return fmt.Errorf("%w: %s without peer id", ErrMalformed, f.Type)
		}
	case FramePayload:
		if f.To == "" {
			return fmt.Errorf("%w: payload without recipient", ErrMalformed)
		}
		if len(f.Payload) > MaxPayload {
			return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
		}
	case FrameQueued:
		if f.To == "" {
			return fmt.Errorf("%w: queued without recipient", ErrMalformed)
		}
	case FrameError:
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, uint8(f.Type))
	}
	if len(f.PeerID) > 256 || len(f.From) > 256 || len(f.To) > 256 {
		return fmt.Errorf("%w: oversized peer id", ErrMalformed)
	}
	return nil
}

// Encode validates and serializes f.
func Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(f)
}

// Decode parses and validates one frame.
func Decode(b []byte) (*Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
