package wsforge

import (
	"compress/flate"
	"crypto/tls"
	"net/http"

	"github.com/rs/zerolog"
)

// Options configures both server and client connections. Unset fields take
// the values from DefaultOptions.
type Options struct {
	// EnableMessageCompression negotiates permessage-deflate (RFC 7692).
	EnableMessageCompression bool

	// CompressionLevel is passed to the deflater; flate.BestSpeed matches
	// the teacher's default (websocket/options.go).
	CompressionLevel int

	// AllowedOrigins is a case-insensitive allow-list of Origin header
	// values a server will accept. Empty means "allow all", per spec.md §6.
	AllowedOrigins []string

	// Headers are extra request headers sent by the client dialer
	// (case-insensitive keys). Host is honored as an override if present.
	Headers http.Header

	// HostOverride replaces the Host header the client dialer would
	// otherwise derive from the dial URI.
	HostOverride string

	// TLSConfig configures the client dialer's TLS handshake for wss:// URIs.
	// Nil means the Go standard library's default configuration.
	TLSConfig *tls.Config

	// MaxMessageSize caps the accumulated size of one received message;
	// zero means DefaultMaxMessageSize (spec.md §4.4).
	MaxMessageSize int64

	// OnException is kept with the connection's options, but the engine
	// never calls it: Accept and Dial return handshake failures directly,
	// and receive/send errors are logged and abort or close the connection
	// without reaching this callback.
	OnException func(error)

	// Logger receives structured connection events (spec.md §6). The zero
	// value logs nothing.
	Logger zerolog.Logger

	// CorrelationIDFunc overrides the default sortable base32 correlation
	// id generator; see WithUUIDCorrelation.
	CorrelationIDFunc func() string
}

// DefaultOptions mirrors the teacher's DefaultOptions
// (websocket/options.go): best-speed compression, compression disabled by
// default, no origin restriction, no size cap beyond spec default.
var DefaultOptions = Options{
	CompressionLevel: flate.BestSpeed,
	MaxMessageSize:   0,
}

func (o Options) withDefaults() Options {
	if o.CompressionLevel == 0 {
		o.CompressionLevel = DefaultOptions.CompressionLevel
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = 0 // resolved against wsio.DefaultMaxMessageSize downstream
	}
	if o.CorrelationIDFunc == nil {
		o.CorrelationIDFunc = nextCorrelationID
	}
	if o.OnException == nil {
		o.OnException = func(error) {}
	}
	return o
}

func (o Options) originAllowed(origin string) bool {
	if len(o.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range o.AllowedOrigins {
		if equalFoldASCII(allowed, origin) {
			return true
		}
	}
	return false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
