// Package rudp is the user-facing socket façade over the reliable
// datagram transport implemented by this module's internal packages: a
// three-way handshake, sliding-window delivery with ordered reassembly,
// cumulative acknowledgment, and timed retransmission, all driven by a
// single background reactor thread.
//
// The API is modeled on BSD sockets: Socket, Bind, Listen, Accept,
// Connect, Send, Recv, Close. A handle progresses through at most one of
// two branches after binding — {Listener} or {Connection} — matching the
// variant-typed socket design note in the system this package implements.
package rudp
