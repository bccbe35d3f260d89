package packet

import (
	"errors"
	"os"
)

// Transient send/recv faults on a single datagram attempt. These never
// surface past the reactor: the caller breaks out of its drain/send loop
// and tries again on the next pass.
var (
	ErrWouldBlock  = errors.New("packet: would block")
	ErrInterrupted = errors.New("packet: interrupted")
	ErrNoMem       = errors.New("packet: no memory")
)

// ErrConnReset is fatal: the peer is gone and the connection owning this
// endpoint must be failed.
var ErrConnReset = errors.New("packet: connection reset")

// Endpoint is the abstract datagram capability the engine runs on: a
// nonblocking send/recv pair over an address-family-agnostic transport.
// The engine never touches an OS descriptor directly; it only ever holds
// an Endpoint.
type Endpoint interface {
	// ID is a stable, process-unique identifier for this endpoint, used
	// to build reactor handler ids. It is not related to any OS
	// descriptor, which may be reused across the process lifetime.
	ID() uint32

	// Send attempts one nonblocking send to addr. It fails with
	// ErrWouldBlock, ErrInterrupted, ErrNoMem (transient) or
	// ErrConnReset (fatal).
	Send(to PeerAddr, b []byte) (int, error)

	// Recv attempts one nonblocking receive. It fails with
	// ErrWouldBlock or ErrInterrupted when nothing is available.
	Recv() ([]byte, PeerAddr, error)

	LocalAddr() PeerAddr
	Close() error

	// File exposes a duplicated descriptor for registration with an OS
	// readiness primitive (see internal/reactor). The duplicate is
	// independent of the endpoint's own fd and is closed by the
	// reactor when the handler is removed.
	File() (*os.File, error)
}

// SendDatagram serialises pkt and performs a single nonblocking send.
func SendDatagram(ep Endpoint, pkt *Packet, to PeerAddr) error {
	_, err := ep.Send(to, pkt.Encode())
	return err
}

// RecvDatagram performs a single nonblocking receive and decodes the
// result. It returns ok=false on WouldBlock/Interrupted or on any framing
// failure (short read, bad magic/version, oversized length) — the caller
// cannot distinguish "nothing available" from "garbage arrived", which
// mirrors the codec's own silent-drop behaviour for malformed input.
func RecvDatagram(ep Endpoint) (pkt *Packet, from PeerAddr, ok bool) {
	b, from, err := ep.Recv()
	if err != nil {
		return nil, PeerAddr{}, false
	}
	pkt, ok = Decode(b)
	if !ok {
		return nil, PeerAddr{}, false
	}
	return pkt, from, true
}
