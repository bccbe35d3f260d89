package packet

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		comment string
		flags   Flag
		seq     uint32
		ack     uint32
		payload []byte
	}{
		{"control only", FlagSYN, 1, 0, nil},
		{"syn ack", FlagSYN | FlagACK, 100, 42, nil},
		{"one byte payload", 0, 7, 7, []byte{0xAB}},
		{"max payload", 0, 1000, 2000, bytes.Repeat([]byte{0x5A}, MaxDataBytes)},
	}

	for _, c := range cases {
		in := New(c.flags, c.seq, c.ack, c.payload)
		out, ok := Decode(in.Encode())
		if !ok {
			t.Errorf("%s: Decode() failed on a packet we just encoded", c.comment)
			continue
		}
		if out.Header.Flags != c.flags || out.Header.SeqNum != c.seq || out.Header.AckNum != c.ack {
			t.Errorf("%s: header mismatch: got %+v", c.comment, out.Header)
		}
		if !bytes.Equal(out.Payload, c.payload) {
			t.Errorf("%s: payload mismatch: got %v want %v", c.comment, out.Payload, c.payload)
		}
	}
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, ok := Decode(make([]byte, HeaderSize-1))
	if ok {
		t.Errorf("Decode() accepted input shorter than the header")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	p := New(FlagSYN, 1, 0, nil)
	buf := p.Encode()
	buf[0] = 0xFF
	if _, ok := Decode(buf); ok {
		t.Errorf("Decode() accepted a bad magic")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	p := New(FlagSYN, 1, 0, nil)
	buf := p.Encode()
	buf[2] = Version + 1
	if _, ok := Decode(buf); ok {
		t.Errorf("Decode() accepted a bad version")
	}
}

func TestDecodeRejectsLengthExceedingMax(t *testing.T) {
	p := New(0, 1, 0, bytes.Repeat([]byte{1}, MaxDataBytes))
	buf := p.Encode()
	// Lie about the length: claim one more byte than MAX_DATA_BYTES.
	buf[12], buf[13], buf[14], buf[15] = 0, 0, 0x04, 0x01
	if _, ok := Decode(buf); ok {
		t.Errorf("Decode() accepted a declared length over MaxDataBytes")
	}
}

func TestDecodeRejectsLengthExceedingRemaining(t *testing.T) {
	p := New(0, 1, 0, []byte{1, 2, 3, 4})
	buf := p.Encode()[:HeaderSize+2] // truncate the payload
	if _, ok := Decode(buf); ok {
		t.Errorf("Decode() accepted a declared length exceeding the remaining bytes")
	}
}

func TestPeerAddrUnspecified(t *testing.T) {
	if !Unspecified.IsUnspecified() {
		t.Errorf("Unspecified.IsUnspecified() = false")
	}

	a := PeerAddr{Family: FamilyINET, IP: [4]byte{127, 0, 0, 1}, Port: 1234}
	if a.IsUnspecified() {
		t.Errorf("a specified INET address reported as unspecified")
	}

	b := AddrFromUDP(a.UDPAddr())
	if !a.Equal(b) {
		t.Errorf("round trip through UDPAddr()/AddrFromUDP() changed the address: %+v != %+v", a, b)
	}
}
