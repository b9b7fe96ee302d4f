package wsforge

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// base32Alphabet is Crockford's base32: lexicographic byte order matches
// lexicographic string order, which is what makes the correlation id
// sortable, per spec.md §6.
const base32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var correlationCounter uint64

func init() {
	// Seed the monotonic counter from wall-clock at process start so ids
	// from different process runs don't collide, per spec.md §6.
	atomic.StoreUint64(&correlationCounter, uint64(time.Now().UnixNano()))
}

// nextCorrelationID returns a lexicographically sortable 13-character
// base32 id derived from a process-global monotonic counter.
func nextCorrelationID() string {
	n := atomic.AddUint64(&correlationCounter, 1)
	var buf [13]byte
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = base32Alphabet[n&0x1f]
		n >>= 5
	}
	return string(buf[:])
}

// WithUUIDCorrelation mutates o so that it swaps the default sortable
// correlation id for a globally-unique github.com/google/uuid value, for
// callers that value global uniqueness over sortability.
func WithUUIDCorrelation(o *Options) {
	o.CorrelationIDFunc = func() string { return uuid.NewString() }
}

// eventKind identifies the category of a structured observability event,
// per spec.md §6: listener start/stop, socket created, state transitions,
// send/receive, error.
type eventKind string

const (
	eventListenerStart eventKind = "listener_start"
	eventListenerStop  eventKind = "listener_stop"
	eventSocketCreated eventKind = "socket_created"
	eventStateChange   eventKind = "state_change"
	eventSend          eventKind = "send"
	eventReceive       eventKind = "receive"
	eventError         eventKind = "error"
)

// LogListenerStart logs a listener coming up on addr. Package-level (rather
// than Conn-bound) since no connection exists yet at listen time; called by
// a server's own main/accept loop around its net.Listen/http.ListenAndServe
// call, per spec.md §6's listener start/stop observability requirement.
func LogListenerStart(logger zerolog.Logger, addr string) {
	logger.Info().
		Str("event", string(eventListenerStart)).
		Str("addr", addr).
		Msg("websocket listener starting")
}

// LogListenerStop logs a listener going down on addr, with the error that
// stopped it (nil for a clean shutdown).
func LogListenerStop(logger zerolog.Logger, addr string, err error) {
	logger.Info().
		Str("event", string(eventListenerStop)).
		Str("addr", addr).
		Err(err).
		Msg("websocket listener stopped")
}

// logSocketCreated logs the socket-created event with connection flags and
// peer address.
func (c *Conn) logSocketCreated(peer string) {
	c.options.Logger.Info().
		Str("event", string(eventSocketCreated)).
		Str("conn_id", c.id).
		Bool("server", c.flags.Server).
		Bool("compression", c.flags.PerMessageDeflate).
		Str("peer", peer).
		Msg("websocket connection established")
}

// logStateChange logs a connection-state transition.
func (c *Conn) logStateChange(from, to State) {
	c.options.Logger.Info().
		Str("event", string(eventStateChange)).
		Str("conn_id", c.id).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("connection state changed")
}

// logSend logs one outgoing message.
func (c *Conn) logSend(op OpCode, length int, compressed, fin bool) {
	c.options.Logger.Debug().
		Str("event", string(eventSend)).
		Str("conn_id", c.id).
		Uint8("opcode", uint8(op)).
		Int("length", length).
		Bool("compressed", compressed).
		Bool("fin", fin).
		Msg("websocket send")
}

// logReceive logs one delivered message.
func (c *Conn) logReceive(op OpCode, length int, compressed, fin bool) {
	c.options.Logger.Debug().
		Str("event", string(eventReceive)).
		Str("conn_id", c.id).
		Uint8("opcode", uint8(op)).
		Int("length", length).
		Bool("compressed", compressed).
		Bool("fin", fin).
		Msg("websocket receive")
}

// logError logs an error event.
func (c *Conn) logError(err error) {
	c.options.Logger.Error().
		Str("event", string(eventError)).
		Str("conn_id", c.id).
		Err(err).
		Msg("websocket error")
}
