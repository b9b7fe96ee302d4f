package wsforge

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFrame encodes h and payload directly onto conn, bypassing Conn
// entirely — used to simulate a peer sending specific (possibly malformed)
// frame sequences for the fragmentation and protocol-error tests.
func writeFrame(t *testing.T, conn net.Conn, h Header, payload []byte) {
	t.Helper()
	h.Length = int64(len(payload))
	var buf [MaxHeaderSize]byte
	n, err := EncodeHeader(buf[:], h)
	require.NoError(t, err)
	_, err = conn.Write(buf[:n])
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}
}

// pairConns builds a client/server Conn pair over an in-memory net.Pipe,
// bypassing the HTTP handshake (server.go/client.go are exercised
// separately in server_test.go).
func pairConns(t *testing.T, compress bool) (client, server *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})

	client = newConn(NewStream(c1), Flags{Server: false, PerMessageDeflate: compress}, DefaultOptions)
	server = newConn(NewStream(c2), Flags{Server: true, PerMessageDeflate: compress}, DefaultOptions)
	client.start("client-peer")
	server.start("server-peer")
	return client, server
}

func recvWithTimeout(t *testing.T, c *Conn) (*Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Receive(ctx)
}

func TestConnEchoTextNoCompression(t *testing.T) {
	client, server := pairConns(t, false)

	// net.Pipe is unbuffered and Send blocks until its frame is written, so
	// each send runs on its own goroutine while the other side receives.
	sent := make(chan error, 1)
	go func() { sent <- client.SendText("Hello") }()

	msg, err := recvWithTimeout(t, server)
	require.NoError(t, err)
	require.Equal(t, Text, msg.Type)
	require.Equal(t, "Hello", string(msg.Bytes()))
	msg.Release()
	require.NoError(t, <-sent)

	go func() { sent <- server.SendText("Hello") }()
	reply, err := recvWithTimeout(t, client)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(reply.Bytes()))
	reply.Release()
	require.NoError(t, <-sent)
}

func TestConnCompressionRoundTrip(t *testing.T) {
	client, server := pairConns(t, true)

	payload := strings.Repeat("ab", 10000)
	sent := make(chan error, 1)
	go func() { sent <- client.Send(Text, []byte(payload)) }()

	msg, err := recvWithTimeout(t, server)
	require.NoError(t, err)
	require.Equal(t, payload, string(msg.Bytes()))
	msg.Release()
	require.NoError(t, <-sent)
}

func TestConnConcurrentReceiveRejected(t *testing.T) {
	_, server := pairConns(t, false)

	go func() { _, _ = server.Receive(context.Background()) }()
	time.Sleep(20 * time.Millisecond) // let the first Receive claim the guard

	_, err := server.Receive(context.Background())
	require.ErrorIs(t, err, ErrAlreadyReceiving)
}

func TestConnGracefulClose(t *testing.T) {
	client, server := pairConns(t, false)

	done := make(chan struct{})
	go func() {
		_, _ = client.Receive(context.Background())
		close(done)
	}()

	require.NoError(t, server.CloseAsync(StatusNormalClosure, "bye"))

	select {
	case <-server.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not reach Closed")
	}
	require.Equal(t, StateClosed, server.State())

	select {
	case <-client.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reach Closed")
	}
	require.Equal(t, StateClosed, client.State())

	<-done
}

func TestConnFragmentedReceive(t *testing.T) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })

	client := newConn(NewStream(c1), Flags{Server: false}, DefaultOptions)
	client.start("peer")

	go func() {
		writeFrame(t, c2, Header{Fin: false, OpCode: OpText}, []byte("Hel"))
		writeFrame(t, c2, Header{Fin: true, OpCode: OpContinuation}, []byte("lo"))
	}()

	msg, err := recvWithTimeout(t, client)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(msg.Bytes()))
	msg.Release()
}

func TestConnSpuriousTextTriggersProtocolClose(t *testing.T) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })

	client := newConn(NewStream(c1), Flags{Server: false}, DefaultOptions)
	client.start("peer")

	go func() {
		writeFrame(t, c2, Header{Fin: false, OpCode: OpText}, []byte("Hel"))
		writeFrame(t, c2, Header{Fin: true, OpCode: OpText}, []byte("lo"))

		var scratch [MaxHeaderSize]byte
		hdr, err := DecodeHeader(c2, scratch[:])
		if err == nil && hdr.OpCode == OpClose {
			buf := make([]byte, hdr.Length)
			_, _ = io.ReadFull(c2, buf)
			writeFrame(t, c2, Header{Fin: true, OpCode: OpClose}, nil)
		}
	}()

	_, err := recvWithTimeout(t, client)
	require.Error(t, err)
}
