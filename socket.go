package rudp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/louisb0/rudp/internal/conn"
	"github.com/louisb0/rudp/internal/listener"
	"github.com/louisb0/rudp/internal/packet"
	"github.com/louisb0/rudp/internal/reactor"
)

// MaxBacklog is this implementation's system-max clamp for Listen's
// backlog argument (spec §6, scenario S9: "clamped to [1, system max]").
const MaxBacklog = 128

// socketState is the variant tag for what a handle currently is (spec §9,
// "Variant-typed socket"): Created -> Bound -> {Listener | Connection}.
type socketState int

const (
	stateCreated socketState = iota
	stateBound
	stateListening
	stateConnected
)

// Handle is an opaque user-facing socket handle (spec §3). UUIDs are used
// instead of raw table indices so a handle can never alias a reused slot.
type Handle uuid.UUID

type entry struct {
	mu sync.Mutex

	state    socketState
	endpoint packet.Endpoint
	listener *listener.Listener
	conn     *conn.Connection
}

var table = struct {
	mu      sync.Mutex
	entries map[Handle]*entry
}{entries: make(map[Handle]*entry)}

// Log is the package-level logger every internal component is handed at
// construction time. Replace it (e.g. in an init() in a consuming binary)
// before any socket call to change where the façade logs; by default it
// writes to standard error at logrus's default Info level.
var Log = logrus.NewEntry(logrus.New())

func getEntry(h Handle) (*entry, error) {
	table.mu.Lock()
	defer table.mu.Unlock()
	e, ok := table.entries[h]
	if !ok {
		return nil, ErrBadHandle
	}
	return e, nil
}

// Socket allocates a new handle in state Created.
func Socket() Handle {
	h := Handle(uuid.New())
	table.mu.Lock()
	table.entries[h] = &entry{state: stateCreated}
	table.mu.Unlock()
	return h
}

// Bind allocates the handle's underlying datagram endpoint at addr and
// transitions Created -> Bound. addr must not be nil (spec §6, scenario
// S6: a null address is a Fault, not an implicit wildcard bind).
func Bind(h Handle, addr *Addr) error {
	if addr == nil {
		return ErrFault
	}

	e, err := getEntry(h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateCreated {
		return ErrOperationNotSupportedInState
	}

	ep, bindErr := packet.NewBoundUDPEndpoint(addr.toPeer())
	if bindErr != nil {
		Log.WithError(bindErr).WithField("handle", h).Warn("bind failed")
		return ErrAddressInUse
	}

	e.endpoint = ep
	e.state = stateBound
	return nil
}

// Listen transitions Bound -> Listening, clamping backlog into [1,
// MaxBacklog] (spec §6, scenario S9).
func Listen(h Handle, backlog int) error {
	e, err := getEntry(h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateBound {
		return ErrOperationNotSupportedInState
	}

	if backlog < 1 {
		backlog = 1
	}
	if backlog > MaxBacklog {
		backlog = MaxBacklog
	}

	l := listener.New(e.endpoint, backlog, registerConnection, Log.WithField("handle", h))
	if err := registerHandler(reactor.KindListener, e.endpoint, l.HandleReadable, nil); err != nil {
		return pkgerrors.Wrap(err, "rudp: register listener with reactor")
	}

	e.listener = l
	e.state = stateListening
	return nil
}

// Accept blocks until a peer completes the passive handshake, then
// returns a new handle in state Connected and the peer's address.
func Accept(h Handle) (Handle, Addr, error) {
	e, err := getEntry(h)
	if err != nil {
		return Handle{}, Addr{}, err
	}

	e.mu.Lock()
	if e.state != stateListening {
		e.mu.Unlock()
		return Handle{}, Addr{}, ErrOperationNotSupportedInState
	}
	l := e.listener
	e.mu.Unlock()

	c := l.WaitAndAccept()

	nh := Handle(uuid.New())
	table.mu.Lock()
	table.entries[nh] = &entry{state: stateConnected, endpoint: c.Endpoint(), conn: c}
	table.mu.Unlock()

	return nh, addrFromPeer(c.Peer()), nil
}

// Connect performs the active handshake against addr and returns only
// after the connection reaches Established (or fails). A Created handle
// is auto-bound to the wildcard address first (spec §6).
func Connect(h Handle, addr *Addr) error {
	if addr == nil {
		return ErrFault
	}
	if addr.Family != FamilyINET {
		return ErrAddressFamilyUnsupported
	}

	e, err := getEntry(h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == stateCreated {
		ep, bindErr := packet.NewEphemeralUDPEndpoint()
		if bindErr != nil {
			e.mu.Unlock()
			return ErrAddressInUse
		}
		e.endpoint = ep
		e.state = stateBound
	}
	if e.state != stateBound {
		e.mu.Unlock()
		return ErrOperationNotSupportedInState
	}

	isn, isnErr := randomISN()
	if isnErr != nil {
		e.mu.Unlock()
		return ErrNoMemory
	}

	c := conn.New(e.endpoint, isn, Log.WithField("handle", h))
	if regErr := registerHandler(reactor.KindConn, e.endpoint, c.HandleReadable, c.Tick); regErr != nil {
		e.mu.Unlock()
		return pkgerrors.Wrap(regErr, "rudp: register connection with reactor")
	}
	e.conn = c
	e.mu.Unlock()

	c.ActiveOpen(addr.toPeer())
	if waitErr := c.WaitEstablished(); waitErr != nil {
		return translateConnErr(waitErr)
	}

	e.mu.Lock()
	e.state = stateConnected
	e.mu.Unlock()
	return nil
}

// Send copies up to len(buf) bytes into the connection's send buffer,
// blocking while it is full.
func Send(h Handle, buf []byte) (int, error) {
	if buf == nil {
		return 0, ErrFault
	}
	e, err := getEntry(h)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.state != stateConnected {
		e.mu.Unlock()
		return 0, ErrOperationNotSupportedInState
	}
	c := e.conn
	e.mu.Unlock()

	n, werr := c.Write(buf)
	if werr != nil {
		return n, translateConnErr(werr)
	}
	return n, nil
}

// Recv blocks until at least one byte is available and copies up to
// len(buf) bytes into it.
func Recv(h Handle, buf []byte) (int, error) {
	if buf == nil {
		return 0, ErrFault
	}
	e, err := getEntry(h)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.state != stateConnected {
		e.mu.Unlock()
		return 0, ErrOperationNotSupportedInState
	}
	c := e.conn
	e.mu.Unlock()

	n, rerr := c.Read(buf)
	if rerr != nil {
		return n, translateConnErr(rerr)
	}
	return n, nil
}

// Close releases the handle's resources for whichever variant it is
// (spec §9: "close must run destructors for the active variant only").
// The returned error carries the endpoint or connection close failure;
// a reactor deregistration failure is logged by the reactor, not returned.
func Close(h Handle) error {
	table.mu.Lock()
	e, ok := table.entries[h]
	if ok {
		delete(table.entries, h)
	}
	table.mu.Unlock()
	if !ok {
		return ErrBadHandle
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var result *multierror.Error
	switch e.state {
	case stateListening:
		if e.endpoint != nil {
			deregisterHandler(reactor.KindListener, e.endpoint.ID())
		}
		if err := e.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	case stateConnected:
		if e.endpoint != nil {
			deregisterHandler(reactor.KindConn, e.endpoint.ID())
		}
		if err := e.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	case stateBound:
		if err := e.endpoint.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// translateConnErr maps the internal/conn sticky-error taxonomy onto the
// façade's exported errors.
func translateConnErr(err error) error {
	switch pkgerrors.Cause(err) {
	case conn.ErrRetransmitExhausted:
		return ErrRetransmitExhausted
	case conn.ErrConnReset:
		return ErrConnectionReset
	default:
		return ErrConnectionReset
	}
}

func randomISN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// registerConnection is the listener.RegisterFunc every Listen call
// supplies: it wires a freshly spawned connection into the reactor before
// the listener kicks off its passive handshake. The listener releases the
// connection's endpoint and drops the SYN if this fails.
func registerConnection(c *conn.Connection) error {
	return registerHandler(reactor.KindConn, c.Endpoint(), c.HandleReadable, c.Tick)
}

func getReactor() (*reactor.Reactor, error) {
	return reactor.Get(newWatcher, Log)
}

func registerHandler(kind reactor.Kind, ep packet.Endpoint, onReadable func(), onTick func()) error {
	r, err := getReactor()
	if err != nil {
		return err
	}
	f, err := ep.File()
	if err != nil {
		return pkgerrors.Wrap(err, "rudp: duplicate endpoint fd for reactor")
	}
	return r.AddHandler(reactor.ID(kind, ep.ID()), f, onReadable, onTick)
}

func deregisterHandler(kind reactor.Kind, endpointID uint32) {
	r, err := getReactor()
	if err != nil {
		return
	}
	r.RemoveHandler(reactor.ID(kind, endpointID))
}
