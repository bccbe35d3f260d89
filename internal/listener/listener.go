// Package listener implements the SYN demultiplexer described in spec
// §4.7: it owns a bound endpoint, watches it for incoming SYNs, spawns a
// dedicated child endpoint and Connection per accepted peer, and exposes a
// ready-queue the user thread blocks on via WaitAndAccept.
package listener

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/louisb0/rudp/internal/conn"
	"github.com/louisb0/rudp/internal/packet"
)

// ErrReadinessPrimitiveCreate mirrors the reactor's own failure mode (spec
// §4.8) for the one resource a listener itself allocates per accepted
// peer: the child's datagram endpoint.
var ErrReadinessPrimitiveCreate = pkgerrors.New("listener: could not create child endpoint")

// RegisterFunc hands a freshly spawned Connection to the reactor, under
// whatever id scheme the reactor uses (kind<<32 | endpoint id). The
// listener never imports the reactor package directly — the caller
// supplies this instead, avoiding a dependency cycle (reactor registers
// listeners too). A non-nil error means the connection was never wired up
// and the caller must not proceed to PassiveOpen.
type RegisterFunc func(c *conn.Connection) error

// Listener is the handler the reactor dispatches readiness events to for
// one bound endpoint (spec §3's Listener entity).
type Listener struct {
	endpoint packet.Endpoint
	backlog  int
	register RegisterFunc
	log      *logrus.Entry

	mu    sync.Mutex
	cond  *sync.Cond
	ready []*conn.Connection
}

// New constructs a Listener over endpoint with the given (already clamped)
// backlog. register is called once per spawned connection, before
// PassiveOpen, so the reactor can dispatch readiness to it immediately.
func New(endpoint packet.Endpoint, backlog int, register RegisterFunc, log *logrus.Entry) *Listener {
	l := &Listener{
		endpoint: endpoint,
		backlog:  backlog,
		register: register,
		log:      log,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Endpoint exposes the underlying endpoint for reactor registration.
func (l *Listener) Endpoint() packet.Endpoint {
	return l.endpoint
}

// HandleReadable runs the listener's half of spec §4.7: drain the bound
// endpoint, and for each pure SYN from an INET sender, spawn a child
// connection and kick off the passive handshake. It never blocks.
func (l *Listener) HandleReadable() {
	for {
		pkt, from, ok := packet.RecvDatagram(l.endpoint)
		if !ok {
			return
		}
		if from.IsUnspecified() {
			continue
		}
		if pkt.Header.Flags != packet.FlagSYN {
			continue
		}
		l.spawn(pkt, from)
	}
}

// spawn creates a child endpoint and Connection for a newly observed peer.
// Any failure here is logged and the SYN is simply dropped; the peer's
// own retransmission will produce another attempt (spec §4.7: "if any
// step fails, release the new endpoint and continue with the next
// packet").
func (l *Listener) spawn(syn *packet.Packet, from packet.PeerAddr) {
	childEndpoint, err := packet.NewEphemeralUDPEndpoint()
	if err != nil {
		l.log.WithError(pkgerrors.Wrap(ErrReadinessPrimitiveCreate, err.Error())).
			WithField("peer", from).Warn("failed to spawn child endpoint for SYN")
		return
	}

	isn, err := randomISN()
	if err != nil {
		_ = childEndpoint.Close()
		l.log.WithError(err).Warn("failed to generate ISN for spawned connection")
		return
	}

	child := conn.New(childEndpoint, isn, l.log.WithField("peer", from))
	if err := l.register(child); err != nil {
		_ = childEndpoint.Close()
		l.log.WithError(err).WithField("peer", from).Warn("failed to register spawned connection with reactor")
		return
	}

	child.PassiveOpen(from, syn, l.publish)
}

// publish is the established-callback passed to every spawned
// connection's PassiveOpen: it pushes the now-established connection onto
// the ready queue and wakes any thread blocked in WaitAndAccept. It runs
// on the reactor thread, under the connection's own mutex (spec §4.7).
func (l *Listener) publish(c *conn.Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = append(l.ready, c)
	l.cond.Signal()
}

// WaitAndAccept blocks until a connection completes its handshake, then
// pops and returns it.
func (l *Listener) WaitAndAccept() *conn.Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.ready) == 0 {
		l.cond.Wait()
	}
	c := l.ready[0]
	l.ready = l.ready[1:]
	return c
}

// Close releases the listener's bound endpoint. Connections already
// spawned are unaffected; they continue to run against their own
// endpoints until individually closed.
func (l *Listener) Close() error {
	return l.endpoint.Close()
}

// randomISN draws an initial sequence number from a cryptographic source.
// Spec §9 notes the original generator is weak and that "any reproducible
// generator in tests and a coarse entropy source otherwise" is acceptable;
// crypto/rand is the coarse entropy source for production use.
func randomISN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, pkgerrors.Wrap(err, "listener: read random ISN")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
