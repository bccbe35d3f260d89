package packet

import "net"

// Family identifies an address family. Only INET is supported; anything
// else (including an address that hasn't been learned yet) is Unspecified.
type Family uint8

const (
	FamilyUnspecified Family = iota
	FamilyINET
)

// PeerAddr is a network address: family INET, a 32-bit IPv4 address, and a
// 16-bit port. The zero value is the Unspecified sentinel.
type PeerAddr struct {
	Family Family
	IP     [4]byte
	Port   uint16
}

// Unspecified is the "not yet learned" sentinel address.
var Unspecified = PeerAddr{Family: FamilyUnspecified}

// IsUnspecified reports whether a carries no usable address.
func (a PeerAddr) IsUnspecified() bool {
	return a.Family == FamilyUnspecified
}

// Equal reports whether a and b name the same peer.
func (a PeerAddr) Equal(b PeerAddr) bool {
	return a.Family == b.Family && a.IP == b.IP && a.Port == b.Port
}

// UDPAddr converts a to the standard library's address type. An
// Unspecified address converts to the IPv4 wildcard, suitable for binding
// an ephemeral endpoint.
func (a PeerAddr) UDPAddr() *net.UDPAddr {
	if a.Family == FamilyUnspecified {
		return &net.UDPAddr{}
	}
	return &net.UDPAddr{
		IP:   net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]),
		Port: int(a.Port),
	}
}

// AddrFromUDP converts a standard library UDP address into a PeerAddr. A
// nil address, or one that isn't a 4-byte IPv4 address, converts to
// Unspecified so that callers can uniformly drop non-INET senders.
func AddrFromUDP(u *net.UDPAddr) PeerAddr {
	if u == nil {
		return Unspecified
	}
	ip4 := u.IP.To4()
	if ip4 == nil {
		return Unspecified
	}
	a := PeerAddr{Family: FamilyINET, Port: uint16(u.Port)}
	copy(a.IP[:], ip4)
	return a
}
