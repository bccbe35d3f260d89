package rudp

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louisb0/rudp/internal/simulator"
)

func init() {
	Log.Logger.SetOutput(io.Discard)
}

// loopback builds an Addr pointing at 127.0.0.1:port.
func loopback(port uint16) *Addr {
	return &Addr{Family: FamilyINET, IP: [4]byte{127, 0, 0, 1}, Port: port}
}

func TestBindWithNilAddrFails(t *testing.T) {
	h := Socket()
	defer Close(h)

	err := Bind(h, nil)
	assert.ErrorIs(t, err, ErrFault)
}

func TestSendWithNilBufferFaults(t *testing.T) {
	h := Socket()
	defer Close(h)

	_, err := Send(h, nil)
	assert.ErrorIs(t, err, ErrFault)
}

func TestConnectWithNonINETFamilyFails(t *testing.T) {
	h := Socket()
	defer Close(h)

	err := Connect(h, &Addr{Family: FamilyUnsupported})
	assert.ErrorIs(t, err, ErrAddressFamilyUnsupported)
}

func TestSendWhileCreatedFails(t *testing.T) {
	h := Socket()
	defer Close(h)

	_, err := Send(h, []byte("x"))
	assert.ErrorIs(t, err, ErrOperationNotSupportedInState)
}

func TestListenClampsOversizedBacklog(t *testing.T) {
	h := Socket()
	defer Close(h)

	require.NoError(t, Bind(h, loopback(0)))
	err := Listen(h, MaxBacklog+1)
	assert.NoError(t, err)
}

func TestAcceptOnUnboundSocketFails(t *testing.T) {
	h := Socket()
	defer Close(h)

	_, _, err := Accept(h)
	assert.ErrorIs(t, err, ErrOperationNotSupportedInState)
}

func TestBadHandleFailsEveryOperation(t *testing.T) {
	var bogus Handle
	assert.ErrorIs(t, Bind(bogus, loopback(0)), ErrBadHandle)
	assert.ErrorIs(t, Connect(bogus, loopback(1)), ErrBadHandle)
	_, err := Send(bogus, []byte("x"))
	assert.ErrorIs(t, err, ErrBadHandle)
	_, _, err = Accept(bogus)
	assert.ErrorIs(t, err, ErrBadHandle)
}

// TestEndToEndExchange is scenario S1: a client connects to a listening
// server and sends 5120 cycling bytes; the server reads exactly that many
// bytes back out, unchanged.
func TestEndToEndExchange(t *testing.T) {
	simulator.Reset()

	server := Socket()
	defer Close(server)
	require.NoError(t, Bind(server, loopback(0)))
	require.NoError(t, Listen(server, 1))

	serverEp, err := getEntry(server)
	require.NoError(t, err)
	port := serverEp.endpoint.LocalAddr().Port

	client := Socket()
	defer Close(client)

	accepted := make(chan Handle, 1)
	go func() {
		h, _, err := Accept(server)
		require.NoError(t, err)
		accepted <- h
	}()

	require.NoError(t, Connect(client, loopback(port)))

	payload := make([]byte, 5120)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}
	go func() {
		off := 0
		for off < len(payload) {
			n, err := Send(client, payload[off:])
			require.NoError(t, err)
			off += n
		}
	}()

	var serverHandle Handle
	select {
	case serverHandle = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept never completed")
	}
	defer Close(serverHandle)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 1024)
	deadline := time.After(10 * time.Second)
	for len(got) < len(payload) {
		select {
		case <-deadline:
			t.Fatalf("timed out after receiving %d/%d bytes", len(got), len(payload))
		default:
		}
		n, err := Recv(serverHandle, buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}

	assert.True(t, bytes.Equal(got, payload), "received payload did not match what was sent")
}
