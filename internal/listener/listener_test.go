package listener

import (
	"io"
	"os"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/louisb0/rudp/internal/conn"
	"github.com/louisb0/rudp/internal/packet"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeListenerEndpoint is a minimal packet.Endpoint used only to drive a
// Listener's drain loop in tests. The fake itself opens no socket, but the
// child endpoints the Listener spawns are real UDP sockets bound by
// NewEphemeralUDPEndpoint on the wildcard address.
type fakeListenerEndpoint struct {
	inbox []inboxEntry
}

type inboxEntry struct {
	pkt  *packet.Packet
	from packet.PeerAddr
}

func (f *fakeListenerEndpoint) ID() uint32                { return 1 }
func (f *fakeListenerEndpoint) LocalAddr() packet.PeerAddr { return packet.Unspecified }
func (f *fakeListenerEndpoint) Close() error               { return nil }
func (f *fakeListenerEndpoint) File() (*os.File, error)    { return nil, nil }

func (f *fakeListenerEndpoint) Send(packet.PeerAddr, []byte) (int, error) {
	return 0, packet.ErrWouldBlock
}

func (f *fakeListenerEndpoint) Recv() ([]byte, packet.PeerAddr, error) {
	if len(f.inbox) == 0 {
		return nil, packet.PeerAddr{}, packet.ErrWouldBlock
	}
	e := f.inbox[0]
	f.inbox = f.inbox[1:]
	return e.pkt.Encode(), e.from, nil
}

func (f *fakeListenerEndpoint) deliver(pkt *packet.Packet, from packet.PeerAddr) {
	f.inbox = append(f.inbox, inboxEntry{pkt: pkt, from: from})
}

func TestHandleReadableSpawnsConnectionOnSYN(t *testing.T) {
	ep := &fakeListenerEndpoint{}
	var registered []*conn.Connection

	l := New(ep, 1, func(c *conn.Connection) error { registered = append(registered, c); return nil }, testLog())

	from := packet.PeerAddr{Family: packet.FamilyINET, IP: [4]byte{127, 0, 0, 1}, Port: 5555}
	syn := packet.New(packet.FlagSYN, 1000, 0, nil)
	ep.deliver(syn, from)

	l.HandleReadable()

	if len(registered) != 1 {
		t.Fatalf("registered %d connections, want 1", len(registered))
	}
	if !registered[0].Peer().Equal(from) {
		t.Errorf("spawned connection peer = %+v, want %+v", registered[0].Peer(), from)
	}
}

func TestHandleReadableIgnoresNonSynPackets(t *testing.T) {
	ep := &fakeListenerEndpoint{}
	var registered []*conn.Connection
	l := New(ep, 1, func(c *conn.Connection) error { registered = append(registered, c); return nil }, testLog())

	from := packet.PeerAddr{Family: packet.FamilyINET, IP: [4]byte{127, 0, 0, 1}, Port: 5555}
	ep.deliver(packet.New(packet.FlagACK, 1, 1, nil), from)
	ep.deliver(packet.New(packet.FlagSYN|packet.FlagACK, 1, 1, nil), from)

	l.HandleReadable()

	if len(registered) != 0 {
		t.Fatalf("registered %d connections for non-SYN traffic, want 0", len(registered))
	}
}

func TestHandleReadablePublishesNothingOnRegisterFailure(t *testing.T) {
	ep := &fakeListenerEndpoint{}
	registerErr := pkgerrors.New("reactor registration failed")

	l := New(ep, 1, func(c *conn.Connection) error { return registerErr }, testLog())

	from := packet.PeerAddr{Family: packet.FamilyINET, IP: [4]byte{127, 0, 0, 1}, Port: 5555}
	syn := packet.New(packet.FlagSYN, 1000, 0, nil)
	ep.deliver(syn, from)

	l.HandleReadable()

	l.mu.Lock()
	ready := len(l.ready)
	l.mu.Unlock()
	if ready != 0 {
		t.Fatalf("ready queue has %d entries after a registration failure, want 0", ready)
	}
}

func TestWaitAndAcceptBlocksUntilPublish(t *testing.T) {
	l := New(&fakeListenerEndpoint{}, 1, func(*conn.Connection) error { return nil }, testLog())

	done := make(chan *conn.Connection)
	go func() { done <- l.WaitAndAccept() }()

	published := conn.New(&fakeListenerEndpoint{}, 0, testLog())
	l.publish(published)

	got := <-done
	if got != published {
		t.Errorf("WaitAndAccept() returned the wrong connection")
	}
}
