package conn

import (
	"os"

	"github.com/louisb0/rudp/internal/packet"
)

// fakeEndpoint is an in-memory packet.Endpoint for driving a Connection
// without a real socket: Send appends the encoded packet to Sent, and the
// test (or a paired fakeEndpoint via deliver) controls what Recv returns by
// pushing onto inbox.
type fakeEndpoint struct {
	id    uint32
	local packet.PeerAddr

	inbox []inboxEntry
	Sent  []sentEntry

	// dropSend, when true, makes every Send report ErrWouldBlock without
	// recording anything — used to exercise the flush/retransmit
	// transient-failure paths.
	dropSend bool
}

type inboxEntry struct {
	pkt  *packet.Packet
	from packet.PeerAddr
}

type sentEntry struct {
	pkt *packet.Packet
	to  packet.PeerAddr
}

func newFakeEndpoint(id uint32, local packet.PeerAddr) *fakeEndpoint {
	return &fakeEndpoint{id: id, local: local}
}

func (f *fakeEndpoint) ID() uint32 { return f.id }

func (f *fakeEndpoint) LocalAddr() packet.PeerAddr { return f.local }

func (f *fakeEndpoint) Send(to packet.PeerAddr, b []byte) (int, error) {
	if f.dropSend {
		return 0, packet.ErrWouldBlock
	}
	pkt, ok := packet.Decode(b)
	if !ok {
		panic("fakeEndpoint: Send given an unencodable packet")
	}
	f.Sent = append(f.Sent, sentEntry{pkt: pkt, to: to})
	return len(b), nil
}

func (f *fakeEndpoint) Recv() ([]byte, packet.PeerAddr, error) {
	if len(f.inbox) == 0 {
		return nil, packet.PeerAddr{}, packet.ErrWouldBlock
	}
	e := f.inbox[0]
	f.inbox = f.inbox[1:]
	return e.pkt.Encode(), e.from, nil
}

func (f *fakeEndpoint) Close() error { return nil }

func (f *fakeEndpoint) File() (*os.File, error) { return nil, nil }

// deliver queues pkt as if it arrived from sender, for a subsequent Recv.
func (f *fakeEndpoint) deliver(pkt *packet.Packet, from packet.PeerAddr) {
	f.inbox = append(f.inbox, inboxEntry{pkt: pkt, from: from})
}

// lastSent returns the most recently sent packet, or nil.
func (f *fakeEndpoint) lastSent() *packet.Packet {
	if len(f.Sent) == 0 {
		return nil
	}
	return f.Sent[len(f.Sent)-1].pkt
}
