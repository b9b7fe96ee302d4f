package wsforge

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, opts)
		if err != nil {
			return
		}
		msg, err := conn.Receive(context.Background())
		if err != nil {
			return
		}
		_ = conn.Send(msg.Type, msg.Bytes())
		msg.Release()
	}
}

// TestAcceptComputesDocumentedAccept matches spec.md §8 scenario 1's literal
// Sec-WebSocket-Key / Sec-WebSocket-Accept pair, driving the handshake by
// hand over a raw TCP connection so the exact request headers are
// controlled.
func TestAcceptComputesDocumentedAccept(t *testing.T) {
	srv := httptest.NewServer(echoHandler(DefaultOptions))
	t.Cleanup(srv.Close)

	rawConn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rawConn.Close() })

	request := "GET / HTTP/1.1\r\n" +
		"Host: " + srv.Listener.Addr().String() + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = rawConn.Write([]byte(request))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(rawConn), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
}

// TestDialAcceptEchoRoundTrip exercises the full client Dial / server Accept
// path with a real handshake, then one text message round trip.
func TestDialAcceptEchoRoundTrip(t *testing.T) {
	srv := httptest.NewServer(echoHandler(DefaultOptions))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	client, err := Dial(context.Background(), wsURL, DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseAsync(StatusNormalClosure, "") })

	require.NoError(t, client.SendText("Hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(reply.Bytes()))
	reply.Release()
}

// TestAcceptOriginRejection matches spec.md §8 scenario 2: a disallowed
// Origin is refused with 403 before the upgrade happens.
func TestAcceptOriginRejection(t *testing.T) {
	opts := DefaultOptions
	opts.AllowedOrigins = []string{"https://www.websocket.org"}

	srv := httptest.NewServer(echoHandler(opts))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	_, err := Dial(context.Background(), wsURL, Options{Headers: http.Header{"Origin": []string{"https://evil.example"}}})
	require.Error(t, err)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, http.StatusForbidden, hsErr.StatusCode)
}
