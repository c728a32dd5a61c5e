package wire

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

func TestRoundTripV1(t *testing.T) {
	f := Frame{
		GuestPort:  4242,
		RemoteAddr: netip.AddrFrom4([4]byte{1, 2, 3, 4}),
		RemotePort: 53,
		Payload:    []byte("hello"),
	}

	b, err := EncodeV1(f)
	if err != nil {
		t.Fatalf("EncodeV1: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if got.GuestPort != f.GuestPort || got.RemotePort != f.RemotePort {
		t.Errorf("ports = (%d,%d), want (%d,%d)", got.GuestPort, got.RemotePort, f.GuestPort, f.RemotePort)
	}
	if got.RemoteAddr != f.RemoteAddr {
		t.Errorf("addr = %v, want %v", got.RemoteAddr, f.RemoteAddr)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, f.Payload)
	}
}

func TestRoundTripV2(t *testing.T) {
	for _, tc := range []struct {
		name string
		addr netip.Addr
	}{
		{"ipv4", netip.AddrFrom4([4]byte{93, 184, 216, 34})},
		{"ipv6", netip.MustParseAddr("2001:db8::1")},
		{"ipv4_mapped", netip.MustParseAddr("::ffff:10.1.2.3")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := Frame{
				GuestPort:  1,
				RemoteAddr: tc.addr,
				RemotePort: 65535,
				Payload:    []byte{0xde, 0xad},
			}
			b, err := EncodeV2(f)
			if err != nil {
				t.Fatalf("EncodeV2: %v", err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Version != 2 {
				t.Errorf("version = %d, want 2", got.Version)
			}
			if got.RemoteAddr != tc.addr.Unmap() {
				t.Errorf("addr = %v, want %v", got.RemoteAddr, tc.addr.Unmap())
			}
			if got.GuestPort != f.GuestPort || got.RemotePort != f.RemotePort || !bytes.Equal(got.Payload, f.Payload) {
				t.Errorf("frame mismatch: got %+v want %+v", got, f)
			}
		})
	}
}

func TestDecodeDispatch(t *testing.T) {
	// Any well-formed input starting with (0xA2, 0x02) must parse as v2;
	// everything else parses as v1 even if it resembles a v2 header.
	v2 := []byte{v2Magic, v2Version, familyIPv4, msgTypeDatagram, 0, 1, 127, 0, 0, 1, 0, 53}
	f, err := Decode(v2)
	if err != nil {
		t.Fatalf("Decode v2: %v", err)
	}
	if f.Version != 2 {
		t.Errorf("version = %d, want 2", f.Version)
	}

	v1 := []byte{v2Magic, 0x01, 1, 2, 3, 4, 0, 53}
	f, err = Decode(v1)
	if err != nil {
		t.Fatalf("Decode v1: %v", err)
	}
	if f.Version != 1 {
		t.Errorf("version = %d, want 1", f.Version)
	}
	if f.GuestPort != uint16(v2Magic)<<8|0x01 {
		t.Errorf("guest port = %d", f.GuestPort)
	}
}

func TestDecodeTooShort(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0x01},
		{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, // 7-byte v1
		{v2Magic, v2Version},
		{v2Magic, v2Version, familyIPv4, msgTypeDatagram, 0, 1, 127, 0, 0, 1, 0}, // 11-byte v2/ipv4
		{v2Magic, v2Version, familyIPv6, msgTypeDatagram, 0, 1, 0, 0, 0, 0, 0, 0}, // truncated v2/ipv6
	}
	for _, b := range cases {
		if _, err := Decode(b); !errors.Is(err, ErrTooShort) {
			t.Errorf("Decode(%x) err = %v, want ErrTooShort", b, err)
		}
	}
}

func TestDecodeRejectsBadV2Markers(t *testing.T) {
	badFamily := []byte{v2Magic, v2Version, 5, msgTypeDatagram, 0, 1, 127, 0, 0, 1, 0, 53}
	if _, err := Decode(badFamily); !errors.Is(err, ErrAddressFamily) {
		t.Errorf("bad family err = %v, want ErrAddressFamily", err)
	}

	badType := []byte{v2Magic, v2Version, familyIPv4, 0x07, 0, 1, 127, 0, 0, 1, 0, 53}
	if _, err := Decode(badType); !errors.Is(err, ErrMessageType) {
		t.Errorf("bad msg type err = %v, want ErrMessageType", err)
	}
}

func TestOversizedPayload(t *testing.T) {
	c := Codec{MaxPayload: 4}
	f := Frame{
		RemoteAddr: netip.AddrFrom4([4]byte{1, 2, 3, 4}),
		RemotePort: 1,
		Payload:    []byte("12345"),
	}

	if _, err := c.EncodeV1(f); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeV1 err = %v, want ErrPayloadTooLarge", err)
	}
	if _, err := c.EncodeV2(f); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeV2 err = %v, want ErrPayloadTooLarge", err)
	}

	f.Payload = []byte("1234")
	b, err := c.EncodeV1(f)
	if err != nil {
		t.Fatalf("EncodeV1: %v", err)
	}
	if _, err := c.Decode(b); err != nil {
		t.Fatalf("Decode at limit: %v", err)
	}
	if _, err := c.Decode(append(b, 'x')); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Decode over limit err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestEncodeV1RejectsIPv6(t *testing.T) {
	f := Frame{
		RemoteAddr: netip.MustParseAddr("2001:db8::1"),
		RemotePort: 1,
	}
	if _, err := EncodeV1(f); !errors.Is(err, ErrAddressFamily) {
		t.Errorf("err = %v, want ErrAddressFamily", err)
	}
}
