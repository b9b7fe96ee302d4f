package wsforge

import (
	"fmt"
	"net/http"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
)

// deflateExtensionName is the RFC 7692 extension token negotiated over
// Sec-WebSocket-Extensions.
const deflateExtensionName = "permessage-deflate"

// Accept upgrades an incoming HTTP request to a server-side WebSocket
// connection, per spec.md §8. It validates the request's Origin header
// against opts.AllowedOrigins before touching the wire, negotiates
// permessage-deflate when opts.EnableMessageCompression is set, and hijacks
// the connection via gobwas/ws. Grounded on the teacher's
// websocket/upgrader.go (HTTPUpgrader.Upgrade) and websocket/options.go's
// wsflate.Extension negotiation wiring.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	if origin := r.Header.Get("Origin"); origin != "" && !opts.originAllowed(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil, &HandshakeError{StatusCode: http.StatusForbidden, Reason: fmt.Sprintf("origin %q not allowed", origin)}
	}

	upgrader := ws.HTTPUpgrader{Header: opts.Headers}

	var ext wsflate.Extension
	if opts.EnableMessageCompression {
		ext = wsflate.Extension{Parameters: wsflate.DefaultParameters}
		upgrader.Negotiate = ext.Negotiate
	}

	conn, _, hs, err := upgrader.Upgrade(r, w)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, &HandshakeError{Reason: err.Error()}
	}

	flags := Flags{
		Server:            true,
		PerMessageDeflate: opts.EnableMessageCompression && deflateNegotiated(hs.Extensions),
	}

	c := newConn(NewStream(conn), flags, opts)
	c.start(conn.RemoteAddr().String())
	return c, nil
}

// deflateNegotiated reports whether one of the negotiated extensions is
// permessage-deflate.
func deflateNegotiated(exts []httphead.Option) bool {
	for _, o := range exts {
		if string(o.Name) == deflateExtensionName {
			return true
		}
	}
	return false
}
