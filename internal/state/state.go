// Package state implements the connection handshake's transition table: the
// legal edges between {Created, SynSent, SynRcvd, Established} and the
// control flags each edge emits on the next outbound packet.
package state

import (
	"fmt"

	"github.com/louisb0/rudp/internal/packet"
)

// Kind is one of the four states a connection can be in.
type Kind int

const (
	Created Kind = iota
	SynSent
	SynRcvd
	Established
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case SynSent:
		return "syn-sent"
	case SynRcvd:
		return "syn-rcvd"
	case Established:
		return "established"
	default:
		return fmt.Sprintf("state.Kind(%d)", int(k))
	}
}

type edge struct{ from, to Kind }

// transitionFlags is the transition table from spec §4.2: the only legal
// edges, and the flags emitted on the edge's outbound control packet. Any
// edge not present here is illegal.
var transitionFlags = map[edge]packet.Flag{
	{Created, Created}:     0, // self-loop on Created is a no-op.
	{Created, SynSent}:     packet.FlagSYN,
	{Created, SynRcvd}:     packet.FlagSYN | packet.FlagACK,
	{SynSent, Established}: packet.FlagACK,
	{SynRcvd, Established}: 0,
}

// Machine is a connection's handshake state: the current state plus a log
// of every transition taken, with a cursor DeriveFlags advances so that
// repeated calls never double-count a flag.
//
// Machine is not safe for concurrent use; callers serialise access to it
// under the owning connection's mutex.
type Machine struct {
	log    []edge
	cursor int
}

// New returns a Machine starting in Created.
func New() *Machine {
	return &Machine{log: []edge{{Created, Created}}}
}

// Current returns the state after the most recent transition.
func (m *Machine) Current() Kind {
	return m.log[len(m.log)-1].to
}

// Transition moves the machine to to. It panics if from-current->to is not
// a legal edge — state-machine soundness is an impossible-by-construction
// invariant, not a user-facing error (spec §7).
func (m *Machine) Transition(to Kind) {
	e := edge{m.Current(), to}
	if _, ok := transitionFlags[e]; !ok {
		panic(fmt.Sprintf("state: illegal transition %s -> %s", e.from, e.to))
	}
	m.log = append(m.log, e)
}

// DeriveFlags returns the union of flags emitted by every transition since
// the last call, and advances the read cursor past them.
func (m *Machine) DeriveFlags() packet.Flag {
	var flags packet.Flag
	for ; m.cursor < len(m.log); m.cursor++ {
		flags |= transitionFlags[m.log[m.cursor]]
	}
	return flags
}
