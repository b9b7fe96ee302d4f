package wsforge

import (
	"context"
	"errors"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
)

// Dial opens a client-side WebSocket connection to url (ws:// or wss://),
// per spec.md §8. Grounded on the teacher's websocket/factory.go
// (websocketFactory.Connect) and websocket/options.go's Dialer.Extensions
// wiring for permessage-deflate.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	dialer := ws.Dialer{
		Header:    asHandshakeHeader(opts.Headers),
		TLSConfig: opts.TLSConfig,
	}
	if opts.HostOverride != "" {
		dialer.Header = ws.HandshakeHeaderHTTP{"Host": []string{opts.HostOverride}}
	}
	if opts.EnableMessageCompression {
		dialer.Extensions = []httphead.Option{wsflate.DefaultParameters.Option()}
	}

	conn, _, hs, err := dialer.Dial(ctx, url)
	if err != nil {
		var statusErr ws.StatusError
		if errors.As(err, &statusErr) {
			return nil, &HandshakeError{StatusCode: int(statusErr), Reason: err.Error()}
		}
		return nil, &HandshakeError{Reason: err.Error()}
	}

	flags := Flags{
		Server:            false,
		PerMessageDeflate: opts.EnableMessageCompression && deflateNegotiated(hs.Extensions),
	}

	c := newConn(NewStream(conn), flags, opts)
	c.start(conn.RemoteAddr().String())
	return c, nil
}

func asHandshakeHeader(h map[string][]string) ws.HandshakeHeader {
	if len(h) == 0 {
		return nil
	}
	return ws.HandshakeHeaderHTTP(h)
}
