package rudp

import "github.com/louisb0/rudp/internal/packet"

// Family identifies an address family. INET is the only one this
// transport supports; any other value (including the zero value) is
// rejected by Connect with ErrAddressFamilyUnsupported (spec scenario S7).
type Family uint8

const (
	FamilyUnsupported Family = iota
	FamilyINET
)

// Addr is a socket-facing network address. It deliberately does not alias
// the internal packet.PeerAddr type: the façade's address representation
// is a public API surface independent of the wire/internal one.
type Addr struct {
	Family Family
	IP     [4]byte
	Port   uint16
}

func (a Addr) toPeer() packet.PeerAddr {
	return packet.PeerAddr{Family: packet.FamilyINET, IP: a.IP, Port: a.Port}
}

func addrFromPeer(p packet.PeerAddr) Addr {
	if p.IsUnspecified() {
		return Addr{}
	}
	return Addr{Family: FamilyINET, IP: p.IP, Port: p.Port}
}
