// Package conn implements the per-connection protocol engine: handshake
// openers, the receive-side drain/consume/emit algorithm, the send-side
// buffering algorithm, and the retransmission timer. This is the "~35% of
// the core" component (spec §2): everything else in the engine exists to
// get bytes in front of a Connection's HandleReadable/Tick/Write/Read.
package conn

import (
	"bytes"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/louisb0/rudp/internal/packet"
	"github.com/louisb0/rudp/internal/state"
)

const (
	// RetransmitTime is the age at which an unacknowledged SentRecord is
	// resent (spec §4.5).
	RetransmitTime = 5 * time.Second

	// MaxRetransmits is the attempt ceiling before the connection is
	// fatally failed (spec §4.5).
	MaxRetransmits = 5

	// MaxSendBufferBytes is the send-buffer cap a Write call blocks
	// against. Spec §9 leaves the exact value as an open question,
	// requiring only "any value >= 4 * MaxDataBytes" — chosen here as
	// 16 packets' worth, generous enough that the S1/S5 scenarios
	// (5120 bytes) never block on buffer space under default latency.
	MaxSendBufferBytes = 16 * packet.MaxDataBytes
)

// ErrRetransmitExhausted and ErrConnReset are the two fatal causes a
// Connection's sticky error can carry (spec §7b). Once set, every blocked
// and future call observes it.
var (
	ErrRetransmitExhausted = pkgerrors.New("conn: retransmit budget exhausted")
	ErrConnReset           = pkgerrors.New("conn: connection reset by peer")
)

// SentRecord is an outstanding retransmittable packet (spec §3): sent once
// by Tick's flush of Write's bytes or by ActiveOpen/PassiveOpen, resent by
// Tick, erased by a cumulative
// ack covering its sequence number.
type SentRecord struct {
	Packet      *packet.Packet
	SentAt      time.Time
	Retransmits int
}

// ReceivedRecord is a packet buffered because it arrived ahead of the next
// expected sequence number, or exactly at it awaiting consumption.
type ReceivedRecord struct {
	Packet *packet.Packet
	From   packet.PeerAddr
}

// EstablishedFunc is invoked exactly once, on the reactor thread, when a
// passively-opened connection completes its handshake. The listener uses
// this to publish the connection to its ready queue (spec §4.7); actively
// opened connections pass a nil callback and rely on WaitEstablished
// instead.
type EstablishedFunc func(*Connection)

// Connection is the per-peer protocol engine described in spec §3. All
// fields below the mutex are owned by it; HandleReadable and Tick run on
// the reactor thread, Write/Read/WaitEstablished run on user threads, and
// the mutex is the only permitted point of contact between them.
type Connection struct {
	endpoint packet.Endpoint
	log      *logrus.Entry

	mu   sync.Mutex
	cond *sync.Cond

	state  *state.Machine
	seqNum uint32 // m_seqnum: stamped on the next retransmittable send.
	ackNum uint32 // m_acknum: next expected sequence number from the peer.
	peer   packet.PeerAddr

	sent     *seqMap[*SentRecord]
	received *seqMap[*ReceivedRecord]

	sendBuf bytes.Buffer
	recvBuf bytes.Buffer

	established     EstablishedFunc
	establishedFlag bool

	err error // sticky fatal error; nil while healthy.
}

// New constructs a Connection in state Created over endpoint, with ISN
// seeded by isn (spec §9 permits any reproducible generator; the caller —
// typically the façade — supplies cryptographically-random entropy in
// production and a fixed value in tests).
func New(endpoint packet.Endpoint, isn uint32, log *logrus.Entry) *Connection {
	c := &Connection{
		endpoint: endpoint,
		log:      log,
		state:    state.New(),
		seqNum:   isn,
		sent:     newSeqMap[*SentRecord](),
		received: newSeqMap[*ReceivedRecord](),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Peer returns the connection's current peer address, which may be
// Unspecified before the handshake completes.
func (c *Connection) Peer() packet.PeerAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// State returns the connection's current handshake state.
func (c *Connection) State() state.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Current()
}

// Err returns the sticky fatal error, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// failLocked records err as the sticky fatal error (if one isn't already
// recorded) and wakes every thread blocked on this connection's condvar.
// Must be called with mu held.
func (c *Connection) failLocked(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.log.WithError(err).Warn("connection failed")
	c.cond.Broadcast()
}

// ActiveOpen performs the active handshake opener (spec §4.6): assert the
// connection is unaddressed, transition to SynSent, and emit a SYN. It does
// not block; callers await completion via WaitEstablished.
func (c *Connection) ActiveOpen(peer packet.PeerAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.peer.IsUnspecified() {
		panic("conn: ActiveOpen called on a connection with a specified peer")
	}
	c.peer = peer
	c.state.Transition(state.SynSent)
	c.emitControlLocked()
}

// PassiveOpen performs the passive handshake opener (spec §4.6): adopt the
// sender of initialSyn as our peer, derive m_acknum from its sequence
// number, transition to SynRcvd, and emit SYN+ACK. established is invoked
// (once, on the reactor thread) when the final ACK lands.
func (c *Connection) PassiveOpen(peer packet.PeerAddr, initialSyn *packet.Packet, established EstablishedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.peer.IsUnspecified() {
		panic("conn: PassiveOpen called on a connection with a specified peer")
	}
	c.established = established
	c.ackNum = initialSyn.Header.SeqNum + 1
	c.peer = peer
	c.state.Transition(state.SynRcvd)
	c.emitControlLocked()
}

// WaitEstablished blocks until the connection reaches Established or fails.
// It returns the sticky error, if any.
func (c *Connection) WaitEstablished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state.Current() != state.Established && c.err == nil {
		c.cond.Wait()
	}
	return c.err
}

// emitControlLocked sends a pure control packet (no payload) carrying
// whatever flags the state machine has accrued since the last call. It is
// the send path used by the handshake openers (spec §4.6); the
// receive-side emit phase calls emitLocked directly so it can add ACK.
// Every call happens with mu held.
func (c *Connection) emitControlLocked() {
	c.emitLocked(c.state.DeriveFlags(), nil)
}

// emitLocked builds, records (if it carries SYN/FIN/payload), and sends one
// packet with the current seqNum/ackNum. It never blocks: a transient send
// failure is swallowed (a tracked packet is still recorded, so the
// retransmit sweep resends it; an untracked pure ACK is not resent) and
// ErrConnReset is fatal.
func (c *Connection) emitLocked(flags packet.Flag, payload []byte) {
	pkt := packet.New(flags, c.seqNum, c.ackNum, payload)

	err := packet.SendDatagram(c.endpoint, pkt, c.peer)
	if err != nil && err != packet.ErrWouldBlock && err != packet.ErrInterrupted && err != packet.ErrNoMem {
		c.failLocked(pkgerrors.Wrap(ErrConnReset, err.Error()))
		return
	}

	tracked := flags.Has(packet.FlagSYN) || flags.Has(packet.FlagFIN) || len(payload) > 0
	if tracked {
		c.sent.Set(pkt.Header.SeqNum, &SentRecord{Packet: pkt, SentAt: now()})
		c.seqNum += uint32(len(payload))
		if flags.Has(packet.FlagSYN) || flags.Has(packet.FlagFIN) {
			c.seqNum++
		}
	}
}

// now is a seam for tests that need deterministic timing; production
// always uses time.Now.
var now = time.Now

// HandleReadable runs the receive-side algorithm (spec §4.3): drain every
// pending datagram from the endpoint, consume in-order packets from the
// front of m_received, then emit one control packet summarizing what
// happened this pass. It is invoked by the reactor whenever the endpoint
// reports readable, and never blocks.
func (c *Connection) HandleReadable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}

	c.drainLocked()
	receivedData := c.consumeLocked()

	flags := c.state.DeriveFlags()
	if receivedData {
		flags |= packet.FlagACK
	}
	if flags != 0 {
		c.emitLocked(flags, nil)
	}
	if receivedData {
		c.cond.Broadcast()
	}
}

// drainLocked repeatedly receives datagrams until the endpoint has none
// left, filtering by peer and buffering the rest keyed by sequence number.
func (c *Connection) drainLocked() {
	for {
		pkt, from, ok := packet.RecvDatagram(c.endpoint)
		if !ok {
			return
		}
		if from.IsUnspecified() {
			continue // sender-family is not INET; silently drop.
		}
		// In SynSent the peer set by ActiveOpen is only where the SYN went:
		// the SYN+ACK arrives from the listener's per-connection endpoint,
		// whose address consumeLocked adopts as the peer.
		if !c.peer.IsUnspecified() && !c.peer.Equal(from) && c.state.Current() != state.SynSent {
			continue // not our peer; silently drop.
		}
		c.received.Set(pkt.Header.SeqNum, &ReceivedRecord{Packet: pkt, From: from})
	}
}

// consumeLocked advances through m_received while its smallest key equals
// m_acknum, applying each packet's effect in turn. It reports whether any
// payload bytes were appended to the recv buffer this pass.
func (c *Connection) consumeLocked() bool {
	receivedData := false

	for {
		seq, rec, ok := c.received.Min()
		if !ok {
			break
		}
		pkt := rec.Packet

		// The client doesn't know the server's ISN until this packet
		// arrives, so m_acknum can't have been pre-seeded to match it
		// the way passive_open seeds it from the client's SYN. Seed it
		// here instead of gating on an equality that can never hold.
		synAck := pkt.Header.Flags.Has(packet.FlagSYN) && pkt.Header.Flags.Has(packet.FlagACK)
		if synAck && c.state.Current() == state.SynSent {
			c.ackNum = seq
		} else if seq != c.ackNum {
			break
		}

		if synAck {
			if c.state.Current() == state.SynSent {
				c.peer = rec.From
				c.state.Transition(state.Established)
				c.cond.Broadcast()
			}
		}
		if pkt.Header.Flags.Has(packet.FlagACK) {
			if c.peer.IsUnspecified() {
				panic("conn: received ACK with no specified peer")
			}
			c.sent.DeleteLessThan(pkt.Header.AckNum)
			if c.state.Current() == state.SynRcvd {
				c.state.Transition(state.Established)
				if c.established != nil && !c.establishedFlag {
					c.establishedFlag = true
					cb := c.established
					// Invoked with mu held, matching the reactor-thread-only
					// contract every handler callback runs under; cb must not
					// itself try to re-enter this connection's lock.
					cb(c)
				}
			}
		}
		if len(pkt.Payload) > 0 {
			c.recvBuf.Write(pkt.Payload)
			receivedData = true
		}

		c.ackNum += uint32(len(pkt.Payload))
		if pkt.Header.Flags.Has(packet.FlagSYN) {
			c.ackNum++
		}
		c.received.Delete(seq)
	}

	return receivedData
}

// Tick runs the send-side flush and the retransmission sweep (spec §4.4,
// §4.5). The reactor calls it on every pass, independent of readiness.
func (c *Connection) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}

	c.flushLocked()
	c.retransmitLocked()
}

// flushLocked peels send-buffer bytes off into packets while the
// connection is Established, stopping on a transient send failure or an
// empty buffer. Bytes leaving the buffer wake any Write call blocked on
// send-space.
func (c *Connection) flushLocked() {
	if c.state.Current() != state.Established {
		return
	}

	before := c.sendBuf.Len()
	for c.sendBuf.Len() > 0 {
		n := c.sendBuf.Len()
		if n > packet.MaxDataBytes {
			n = packet.MaxDataBytes
		}
		chunk := make([]byte, n)
		copy(chunk, c.sendBuf.Bytes()[:n])

		pkt := packet.New(0, c.seqNum, c.ackNum, chunk)
		err := packet.SendDatagram(c.endpoint, pkt, c.peer)
		if err == packet.ErrWouldBlock || err == packet.ErrInterrupted || err == packet.ErrNoMem {
			break
		}
		if err != nil {
			c.failLocked(pkgerrors.Wrap(ErrConnReset, err.Error()))
			return
		}

		c.sendBuf.Next(n)
		c.sent.Set(pkt.Header.SeqNum, &SentRecord{Packet: pkt, SentAt: now()})
		c.seqNum += uint32(n)
	}
	if c.sendBuf.Len() < before {
		c.cond.Broadcast()
	}
}

// retransmitLocked resends every SentRecord older than RetransmitTime,
// fatally failing the connection once any one of them reaches
// MaxRetransmits.
func (c *Connection) retransmitLocked() {
	var failed bool
	c.sent.Each(func(seq uint32, rec *SentRecord) bool {
		if now().Sub(rec.SentAt) < RetransmitTime {
			return true
		}

		// Best-effort: a transient failure here just means we try again
		// on the next pass once the age threshold is hit again.
		_ = packet.SendDatagram(c.endpoint, rec.Packet, c.peer)
		rec.SentAt = now()
		rec.Retransmits++
		if rec.Retransmits >= MaxRetransmits {
			failed = true
			return false
		}
		return true
	})

	if failed {
		c.failLocked(ErrRetransmitExhausted)
	}
}

// Write copies up to len(b) bytes into the send buffer, blocking while the
// buffer is at MaxSendBufferBytes capacity. It returns the number of bytes
// accepted, which is always len(b) unless the connection fails mid-wait.
func (c *Connection) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for written < len(b) {
		for c.sendBuf.Len() >= MaxSendBufferBytes && c.err == nil {
			c.cond.Wait()
		}
		if c.err != nil {
			return written, c.err
		}

		space := MaxSendBufferBytes - c.sendBuf.Len()
		n := len(b) - written
		if n > space {
			n = space
		}
		c.sendBuf.Write(b[written : written+n])
		written += n
	}
	return written, nil
}

// Read blocks until at least one byte is available in the recv buffer (or
// the connection fails), then copies up to len(b) bytes and returns the
// count.
func (c *Connection) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.recvBuf.Len() == 0 && c.err == nil {
		c.cond.Wait()
	}
	if c.recvBuf.Len() == 0 {
		return 0, c.err
	}
	return c.recvBuf.Read(b)
}

// Close releases the connection's endpoint. It does not perform a
// graceful teardown handshake (out of scope, spec §1/§9); subsequent API
// calls observe ErrConnReset.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.failLocked(ErrConnReset)
	c.mu.Unlock()
	return c.endpoint.Close()
}

// Endpoint exposes the underlying datagram endpoint, used by the reactor
// to register readiness and by the listener to read the endpoint id used
// in handler ids.
func (c *Connection) Endpoint() packet.Endpoint {
	return c.endpoint
}
