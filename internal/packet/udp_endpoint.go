package packet

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SendInterceptor, when non-nil, is consulted by every UDPEndpoint.Send
// before the datagram reaches the OS. send performs the real transmission;
// the interceptor may delay, skip, duplicate, or mutate the call. This is
// the hook the process-global fault-injection simulator (internal/
// simulator) installs itself into; production code paths leave it nil.
var SendInterceptor func(send func([]byte) (int, error), to PeerAddr, b []byte) (int, error)

var nextEndpointID atomic.Uint32

// UDPEndpoint is the production Endpoint: a single UDP socket, read and
// written through its raw file descriptor with MSG_DONTWAIT so a single
// reactor thread can drain many endpoints without ever blocking on one
// that has nothing queued.
//
// An earlier revision emulated "nonblocking" by setting an immediate
// (time.Now()) read/write deadline before each call. That doesn't work:
// Go's runtime poller treats an already-past deadline as "already
// timed out" and fails the call before attempting the underlying
// syscall at all, so a datagram sitting in the kernel receive buffer was
// never actually read. Driving the socket through SyscallConn with
// MSG_DONTWAIT performs the real nonblocking syscall instead.
type UDPEndpoint struct {
	conn *net.UDPConn
	raw  syscall.RawConn
	id   uint32
}

// NewUDPEndpoint wraps an already-bound UDP connection.
func NewUDPEndpoint(conn *net.UDPConn) *UDPEndpoint {
	raw, err := conn.SyscallConn()
	if err != nil {
		// conn is a live *net.UDPConn; SyscallConn only fails once the
		// conn is already closed, which cannot happen to a freshly bound
		// socket here.
		panic("packet: SyscallConn on a fresh UDPConn: " + err.Error())
	}
	return &UDPEndpoint{conn: conn, raw: raw, id: nextEndpointID.Add(1)}
}

// NewBoundUDPEndpoint binds a new UDP socket to addr (the IPv4 wildcard
// when addr is Unspecified) and wraps it.
func NewBoundUDPEndpoint(addr PeerAddr) (*UDPEndpoint, error) {
	conn, err := net.ListenUDP("udp4", addr.UDPAddr())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "packet: bind udp endpoint")
	}
	return NewUDPEndpoint(conn), nil
}

// NewEphemeralUDPEndpoint binds to an OS-chosen port on the wildcard
// address. Used by the listener to spawn a per-connection endpoint on
// passive open.
func NewEphemeralUDPEndpoint() (*UDPEndpoint, error) {
	return NewBoundUDPEndpoint(Unspecified)
}

func (e *UDPEndpoint) ID() uint32 { return e.id }

func (e *UDPEndpoint) LocalAddr() PeerAddr {
	addr, _ := e.conn.LocalAddr().(*net.UDPAddr)
	return AddrFromUDP(addr)
}

func (e *UDPEndpoint) Send(to PeerAddr, b []byte) (int, error) {
	do := func(data []byte) (int, error) {
		sa := sockaddrFromPeer(to)

		var n int
		var sendErr error
		if ctrlErr := e.raw.Write(func(fd uintptr) bool {
			sendErr = unix.Sendto(int(fd), data, unix.MSG_DONTWAIT, sa)
			if sendErr == nil {
				n = len(data)
			}
			return true
		}); ctrlErr != nil {
			return 0, pkgerrors.Wrap(ctrlErr, "packet: raw send")
		}
		if sendErr != nil {
			return 0, translateSyscallError(sendErr)
		}
		return n, nil
	}

	if SendInterceptor != nil {
		return SendInterceptor(do, to, b)
	}
	return do(b)
}

func (e *UDPEndpoint) Recv() ([]byte, PeerAddr, error) {
	buf := make([]byte, HeaderSize+MaxDataBytes)

	var n int
	var from unix.Sockaddr
	var recvErr error
	if ctrlErr := e.raw.Read(func(fd uintptr) bool {
		n, from, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	}); ctrlErr != nil {
		return nil, PeerAddr{}, pkgerrors.Wrap(ctrlErr, "packet: raw recv")
	}
	if recvErr != nil {
		return nil, PeerAddr{}, translateSyscallError(recvErr)
	}
	return buf[:n], peerFromSockaddr(from), nil
}

func (e *UDPEndpoint) Close() error {
	return e.conn.Close()
}

func (e *UDPEndpoint) File() (*os.File, error) {
	return e.conn.File()
}

// sockaddrFromPeer converts a PeerAddr into the raw sockaddr unix.Sendto
// expects. The caller owns validating that to is an INET address.
func sockaddrFromPeer(to PeerAddr) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(to.Port)}
	copy(sa.Addr[:], to.IP[:])
	return sa
}

// peerFromSockaddr converts the sender address unix.Recvfrom reports into
// a PeerAddr, collapsing anything that isn't IPv4 to Unspecified.
func peerFromSockaddr(sa unix.Sockaddr) PeerAddr {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return Unspecified
	}
	a := PeerAddr{Family: FamilyINET, Port: uint16(sa4.Port)}
	copy(a.IP[:], sa4.Addr[:])
	return a
}

func translateSyscallError(err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		return ErrWouldBlock
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET):
		return ErrConnReset
	case errors.Is(err, unix.EINTR):
		return ErrInterrupted
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOBUFS):
		return ErrNoMem
	default:
		return err
	}
}
