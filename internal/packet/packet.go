// Package packet implements the wire format shared by every connection and
// listener: a fixed 16-byte header plus up to MaxDataBytes of payload, and
// the datagram endpoint abstraction the rest of the engine sends and
// receives through.
package packet

import "encoding/binary"

const (
	// Magic identifies a packet as belonging to this protocol. Chosen
	// over the alternative 0x52554450 ("RUDP") seen in older revisions
	// of the source this was distilled from; either is fine so long as
	// both peers agree, and this one matches the most recent revision.
	Magic uint16 = 0x1234

	// Version is the only wire version this engine speaks.
	Version uint8 = 1

	// HeaderSize is the fixed, unextended header length in bytes.
	HeaderSize = 16

	// MaxDataBytes is the largest payload a single packet may carry.
	MaxDataBytes = 1024
)

// Flag is a bitset of control flags carried in the header's flags byte.
type Flag uint8

const (
	FlagSYN Flag = 1 << 0
	FlagACK Flag = 1 << 1
	FlagFIN Flag = 1 << 2 // reserved: graceful close is out of scope.
)

// Has reports whether bit is set in f.
func (f Flag) Has(bit Flag) bool {
	return f&bit != 0
}

// Header is the fixed portion of every packet.
type Header struct {
	Magic   uint16
	Version uint8
	Flags   Flag
	SeqNum  uint32
	AckNum  uint32
	Length  uint32
}

// Packet is a header plus its payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// New builds a packet with the given flags, sequence/ack numbers, and
// payload. The caller retains ownership of payload; New does not copy it.
func New(flags Flag, seq, ack uint32, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			Magic:   Magic,
			Version: Version,
			Flags:   flags,
			SeqNum:  seq,
			AckNum:  ack,
			Length:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Encode serialises p into its wire representation.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], p.Header.Magic)
	buf[2] = p.Header.Version
	buf[3] = byte(p.Header.Flags)
	binary.BigEndian.PutUint32(buf[4:8], p.Header.SeqNum)
	binary.BigEndian.PutUint32(buf[8:12], p.Header.AckNum)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses b into a Packet. It fails (ok=false) when b is shorter than
// the header, the magic or version don't match, or the declared length
// exceeds either the remaining bytes or MaxDataBytes.
func Decode(b []byte) (p *Packet, ok bool) {
	if len(b) < HeaderSize {
		return nil, false
	}

	magic := binary.BigEndian.Uint16(b[0:2])
	if magic != Magic {
		return nil, false
	}

	version := b[2]
	if version != Version {
		return nil, false
	}

	length := binary.BigEndian.Uint32(b[12:16])
	if length > MaxDataBytes {
		return nil, false
	}
	if uint32(len(b)-HeaderSize) < length {
		return nil, false
	}

	out := &Packet{
		Header: Header{
			Magic:   magic,
			Version: version,
			Flags:   Flag(b[3]),
			SeqNum:  binary.BigEndian.Uint32(b[4:8]),
			AckNum:  binary.BigEndian.Uint32(b[8:12]),
			Length:  length,
		},
	}
	if length > 0 {
		out.Payload = append([]byte(nil), b[HeaderSize:HeaderSize+length]...)
	}
	return out, true
}
