// Package cliaddr parses the "host:port" flag values shared by the demo
// rudp-server, rudp-client, and rudp-fuzz binaries into rudp.Addr values.
package cliaddr

import (
	"net"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/louisb0/rudp"
)

// Parse parses s (e.g. "127.0.0.1:1234" or "0.0.0.0:1234") into an
// INET rudp.Addr.
func Parse(s string) (*rudp.Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "cliaddr: split %q", s)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "cliaddr: parse port %q", portStr)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, pkgerrors.Errorf("cliaddr: invalid IPv4 address %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, pkgerrors.Errorf("cliaddr: %q is not an IPv4 address", host)
	}

	addr := &rudp.Addr{Family: rudp.FamilyINET, Port: uint16(port)}
	copy(addr.IP[:], ip4)
	return addr, nil
}
