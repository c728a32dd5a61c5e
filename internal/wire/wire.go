// Package wire implements the binary datagram framing carried over the
// relay's data channel.
//
// Two frame versions exist on the wire. v1 is the legacy IPv4-only format;
// v2 adds an address-family marker and IPv6 support. Decode accepts both and
// must be total over attacker-controlled input: any malformed byte string
// yields a typed error, never a panic.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// V1HeaderLen is the fixed v1 header size.
	V1HeaderLen = 8

	// V2HeaderLenIPv4 and V2HeaderLenIPv6 are the fixed v2 header sizes per
	// address family.
	V2HeaderLenIPv4 = 12
	V2HeaderLenIPv6 = 24

	// DefaultMaxPayload keeps frames comfortably under typical path MTU once
	// the DTLS/SCTP/UDP overhead of the data channel is added. Both ends of
	// the relay must agree on this limit.
	DefaultMaxPayload = 1200

	v2Magic   = 0xA2
	v2Version = 0x02

	familyIPv4 = 4
	familyIPv6 = 6

	msgTypeDatagram = 0x00
)

var (
	ErrTooShort        = errors.New("wire: frame too short")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrAddressFamily   = errors.New("wire: unsupported address family")
	ErrMessageType     = errors.New("wire: unsupported message type")
)

// Frame is one relay datagram.
//
// GuestPort is always the guest-side UDP port: the source port on
// guest->remote frames and the destination port on remote->guest frames.
// RemoteAddr/RemotePort identify the other endpoint.
type Frame struct {
	// Version records which wire format the frame was decoded from (1 or 2).
	// Encode helpers ignore it.
	Version    uint8
	GuestPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
	Payload    []byte
}

// Codec bounds payload sizes for encode and decode.
type Codec struct {
	MaxPayload int
}

// DefaultCodec backs the package-level helpers.
var DefaultCodec = Codec{MaxPayload: DefaultMaxPayload}

func NewCodec(maxPayload int) (Codec, error) {
	if maxPayload < 0 {
		return Codec{}, fmt.Errorf("wire: max payload must be >= 0, got %d", maxPayload)
	}
	return Codec{MaxPayload: maxPayload}, nil
}

func EncodeV1(f Frame) ([]byte, error) { return DefaultCodec.EncodeV1(f) }
func EncodeV2(f Frame) ([]byte, error) { return DefaultCodec.EncodeV2(f) }
func Decode(b []byte) (Frame, error)   { return DefaultCodec.Decode(b) }

// EncodeV1 encodes f in the legacy IPv4-only format:
//
//	guestPort:u16BE | remoteIPv4:4B | remotePort:u16BE | payload
func (c Codec) EncodeV1(f Frame) ([]byte, error) {
	if len(f.Payload) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), c.MaxPayload)
	}
	addr := f.RemoteAddr.Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("%w: v1 frames are IPv4-only", ErrAddressFamily)
	}

	out := make([]byte, V1HeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(out[0:2], f.GuestPort)
	ip4 := addr.As4()
	copy(out[2:6], ip4[:])
	binary.BigEndian.PutUint16(out[6:8], f.RemotePort)
	copy(out[V1HeaderLen:], f.Payload)
	return out, nil
}

// EncodeV2 encodes f in the versioned format:
//
//	magic:u8 | version:u8 | family:u8(4|6) | msgType:u8(0) |
//	guestPort:u16BE | remoteAddr:(4|16)B | remotePort:u16BE | payload
func (c Codec) EncodeV2(f Frame) ([]byte, error) {
	if len(f.Payload) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), c.MaxPayload)
	}
	addr := f.RemoteAddr.Unmap()

	var headerLen int
	var family byte
	switch {
	case addr.Is4():
		headerLen = V2HeaderLenIPv4
		family = familyIPv4
	case addr.Is6():
		headerLen = V2HeaderLenIPv6
		family = familyIPv6
	default:
		return nil, fmt.Errorf("%w: invalid remote address", ErrAddressFamily)
	}

	out := make([]byte, headerLen+len(f.Payload))
	out[0] = v2Magic
	out[1] = v2Version
	out[2] = family
	out[3] = msgTypeDatagram
	binary.BigEndian.PutUint16(out[4:6], f.GuestPort)
	if family == familyIPv4 {
		ip4 := addr.As4()
		copy(out[6:10], ip4[:])
		binary.BigEndian.PutUint16(out[10:12], f.RemotePort)
	} else {
		ip16 := addr.As16()
		copy(out[6:22], ip16[:])
		binary.BigEndian.PutUint16(out[22:24], f.RemotePort)
	}
	copy(out[headerLen:], f.Payload)
	return out, nil
}

// Decode parses a frame of either version. Dispatch is on the first two
// bytes: (0xA2, 0x02) selects v2, anything else is treated as v1.
//
// The returned frame aliases b's payload bytes; callers that retain the
// payload past b's lifetime must copy it.
func (c Codec) Decode(b []byte) (Frame, error) {
	if len(b) >= 2 && b[0] == v2Magic && b[1] == v2Version {
		return c.decodeV2(b)
	}
	return c.decodeV1(b)
}

func (c Codec) decodeV1(b []byte) (Frame, error) {
	if len(b) < V1HeaderLen {
		return Frame{}, ErrTooShort
	}
	payload := b[V1HeaderLen:]
	if len(payload) > c.MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.MaxPayload)
	}
	return Frame{
		Version:    1,
		GuestPort:  binary.BigEndian.Uint16(b[0:2]),
		RemoteAddr: netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}),
		RemotePort: binary.BigEndian.Uint16(b[6:8]),
		Payload:    payload,
	}, nil
}

func (c Codec) decodeV2(b []byte) (Frame, error) {
	if len(b) < 4 {
		return Frame{}, ErrTooShort
	}
	if b[3] != msgTypeDatagram {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrMessageType, b[3])
	}

	var headerLen int
	switch b[2] {
	case familyIPv4:
		headerLen = V2HeaderLenIPv4
	case familyIPv6:
		headerLen = V2HeaderLenIPv6
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrAddressFamily, b[2])
	}
	if len(b) < headerLen {
		return Frame{}, ErrTooShort
	}

	payload := b[headerLen:]
	if len(payload) > c.MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.MaxPayload)
	}

	f := Frame{
		Version:   2,
		GuestPort: binary.BigEndian.Uint16(b[4:6]),
		Payload:   payload,
	}
	if b[2] == familyIPv4 {
		f.RemoteAddr = netip.AddrFrom4([4]byte(b[6:10]))
		f.RemotePort = binary.BigEndian.Uint16(b[10:12])
	} else {
		f.RemoteAddr = netip.AddrFrom16([16]byte(b[6:22]))
		f.RemotePort = binary.BigEndian.Uint16(b[22:24])
	}
	return f, nil
}
