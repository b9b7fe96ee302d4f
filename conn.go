package wsforge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wsforge/wsforge/internal/bufpool"
	"github.com/wsforge/wsforge/internal/flatecodec"
	"github.com/wsforge/wsforge/internal/wsio"
)

// Conn is one WebSocket connection's protocol engine: the state machine
// coordinating the receive loop, the close handshake, and serialized sends,
// per spec.md §4.6. Adapted from the teacher's websocket/transport.go
// (send/close serialization under writeLocker) and
// websocket/internal/wsutils/cipher_handler.go (control-frame handling).
//
// A Conn is safe for concurrent use of Send and Receive, but only one
// Receive may be outstanding at a time (spec.md §5's re-entrancy rule).
type Conn struct {
	id      string
	stream  Stream
	flags   Flags
	options Options
	peer    string

	mu    sync.Mutex
	state State

	closeSent     bool
	closeReceived bool
	closeCode     StatusCode
	closeReason   string

	closedCh    chan struct{}
	closedOnce  sync.Once
	closeCtx    context.Context
	closeCancel context.CancelFunc

	codec *flatecodec.Handle // lazily created on first compressed send/receive

	sendMu    sync.Mutex // serializes writes to stream, per spec.md §4.6 "send serialization"
	receiving int32      // atomic re-entrancy guard for Receive

	maxMessageSize int64
	scratch        [MaxHeaderSize]byte

	// accumulation state for the message currently being received across
	// however many frames it takes.
	recvType MessageType
	recvOpen bool
	recvBuf  *wsio.RecvBuffer
}

// newConn constructs a Conn in StateNone; call start() once the handshake
// has completed to move it to StateOpen and arm the background machinery.
func newConn(stream Stream, flags Flags, opts Options) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	maxSize := opts.MaxMessageSize
	if maxSize == 0 {
		maxSize = wsio.DefaultMaxMessageSize
	}
	c := &Conn{
		id:             opts.CorrelationIDFunc(),
		stream:         stream,
		flags:          flags,
		options:        opts,
		closedCh:       make(chan struct{}),
		closeCtx:       ctx,
		closeCancel:    cancel,
		maxMessageSize: maxSize,
	}
	return c
}

// start transitions the connection to Open and logs socket creation. Call
// exactly once, after the handshake completes.
func (c *Conn) start(peer string) {
	c.peer = peer
	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	c.logSocketCreated(peer)
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the connection's correlation id.
func (c *Conn) ID() string { return c.id }

// Done returns a channel that is closed once the connection's context is
// cancelled, after it reaches Closed or Aborted (spec.md §5's closedToken).
func (c *Conn) Done() <-chan struct{} { return c.closeCtx.Done() }

// Closed returns a channel closed once the connection has fully completed
// its close sequence (spec.md §5's `closed` future).
func (c *Conn) Closed() <-chan struct{} { return c.closedCh }

func (c *Conn) codecHandle() *flatecodec.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec == nil {
		c.codec = flatecodec.NewHandle(c.options.CompressionLevel)
	}
	return c.codec
}

// stateTransitionAllowed reports whether moving from "from" to "to" is one
// of the legal edges in spec.md §3/§4.6's lifecycle: Open may become
// Closing, Closed, or Aborted; Closing may become Closed or Aborted; Closed
// and Aborted are terminal and have no outgoing edge. A raw ordinal
// comparison would wrongly allow Closed->Aborted since Aborted sorts higher.
func stateTransitionAllowed(from, to State) bool {
	switch from {
	case StateNone:
		return to == StateOpen
	case StateOpen:
		return to == StateClosing || to == StateClosed || to == StateAborted
	case StateClosing:
		return to == StateClosed || to == StateAborted
	default: // StateClosed, StateAborted: terminal
		return false
	}
}

// changeState performs a monotonic state transition under the connection
// lock. On entering Closed or Aborted it closes the underlying stream,
// cancels closeCtx asynchronously (so continuations never run on this call
// stack, per spec.md §5), and completes the closed future.
func (c *Conn) changeState(to State) {
	c.mu.Lock()
	from := c.state
	if !stateTransitionAllowed(from, to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.logStateChange(from, to)

	if to == StateClosed || to == StateAborted {
		_ = c.stream.Close(to == StateAborted)
		go c.closeCancel()
		c.closedOnce.Do(func() { close(c.closedCh) })

		c.mu.Lock()
		codec := c.codec
		c.mu.Unlock()
		if codec != nil {
			codec.Release()
		}
	}
}

func (c *Conn) abort(reason error) {
	c.logError(reason)
	c.releaseRecvBuf()
	c.changeState(StateAborted)
}

// releaseRecvBuf abandons whatever message is currently being accumulated,
// if any, returning its rented segments to the pool and dropping its codec
// handle reference. Called from abort and from receiveFrame's
// message-too-big paths, so a message interrupted by either never leaks its
// buffers or pins the compression codec open. The other protocol-close paths
// in receiveFrame do not call it.
func (c *Conn) releaseRecvBuf() {
	if !c.recvOpen {
		return
	}
	c.recvOpen = false
	c.recvBuf.Release()
	c.recvBuf = nil
}

// ---- sending ----

// sendJob is one entry in the serialized send queue: the framed chain plus
// a completion signal.
type sendJob struct {
	chain      *bufpool.Chain
	offset     int
	opcode     OpCode
	compressed bool
	fin        bool
	done       chan error
}

// enqueueSend writes job's framed bytes to the stream under sendMu, so
// concurrent Send calls never interleave bytes on the wire — the
// mutex-guarded analogue of spec.md §4.6's chained send-task future.
func (c *Conn) enqueueSend(job *sendJob) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	defer job.chain.Release()

	var err error
	for s := job.chain.Head(); s != nil; s = s.Next() {
		data := s.Written()
		if s == job.chain.Head() {
			data = data[job.offset:]
		}
		if len(data) == 0 {
			continue
		}
		if _, werr := c.stream.Write(data); werr != nil {
			err = werr
			break
		}
	}
	if job.done != nil {
		job.done <- err
	}
	if err == nil {
		c.logSend(job.opcode, job.chain.TotalWritten()-job.offset, job.compressed, job.fin)
	}
}

// send is the common path for both user messages and control-frame replies.
// It blocks until the frame has been written (or the connection can no
// longer accept sends).
func (c *Conn) send(msgType MessageType, payload []byte, compress bool) error {
	st := c.State()
	if st == StateClosed || st == StateAborted {
		return ErrConnectionClosed
	}

	opcode := messageTypeToOpCode(msgType)
	var handle *flatecodec.Handle
	if compress {
		handle = c.codecHandle().Acquire()
		defer handle.Release()
	}

	buf := wsio.NewSendBuffer(compress, !c.flags.Server, handle)
	if _, err := buf.Write(payload); err != nil {
		return err
	}
	chain, offset, err := buf.Finalize(opcode, true)
	if err != nil {
		return err
	}

	job := &sendJob{chain: chain, offset: offset, opcode: opcode, compressed: compress, fin: true, done: make(chan error, 1)}
	c.enqueueSend(job)
	err = <-job.done
	if err != nil {
		c.abort(err)
		return nil
	}
	return nil
}

// Send writes one complete message (always a single frame, per spec.md
// §1's outgoing-fragmentation non-goal). msgType must be Text or Binary.
func (c *Conn) Send(msgType MessageType, payload []byte) error {
	if msgType != Text && msgType != Binary {
		return fmt.Errorf("wsforge: Send only accepts Text or Binary, got %v", msgType)
	}
	return c.send(msgType, payload, c.flags.PerMessageDeflate)
}

// SendText is a convenience wrapper around Send(Text, []byte(s)).
func (c *Conn) SendText(s string) error { return c.Send(Text, []byte(s)) }

func (c *Conn) sendControl(op OpCode, payload []byte) error {
	st := c.State()
	if st == StateClosed || st == StateAborted {
		return ErrConnectionClosed
	}
	buf := wsio.NewSendBuffer(false, !c.flags.Server, nil)
	_, _ = buf.Write(payload)
	chain, offset, err := buf.Finalize(op, true)
	if err != nil {
		return err
	}
	job := &sendJob{chain: chain, offset: offset, opcode: op, fin: true, done: make(chan error, 1)}
	c.enqueueSend(job)
	return <-job.done
}

func messageTypeToOpCode(t MessageType) OpCode {
	switch t {
	case Text:
		return OpText
	case Binary:
		return OpBinary
	case Close:
		return OpClose
	case Ping:
		return OpPing
	case Pong:
		return OpPong
	default:
		return OpBinary
	}
}

// ---- receiving ----

// Receive blocks until one complete message has been assembled, handling
// any control frames (Ping/Pong/Close) transparently along the way, per
// spec.md §4.6. Only one Receive call may be outstanding at a time; a
// second concurrent call returns ErrAlreadyReceiving immediately.
func (c *Conn) Receive(ctx context.Context) (*Message, error) {
	if !atomic.CompareAndSwapInt32(&c.receiving, 0, 1) {
		return nil, ErrAlreadyReceiving
	}
	defer atomic.StoreInt32(&c.receiving, 0)

	for {
		msg, drained, err := c.receiveFrame()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if drained {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// receiveFrame reads and dispatches exactly one frame. It returns a
// completed message when a data message's FIN frame arrives, drained=true
// once the close handshake has fully finished (nothing more to deliver), or
// (nil, false, nil) to ask the caller to loop for another frame (e.g. after
// handling a Ping).
func (c *Conn) receiveFrame() (msg *Message, drained bool, err error) {
	hdr, derr := DecodeHeader(c.stream, c.scratch[:])
	if derr != nil {
		if derr == io.EOF || derr == io.ErrUnexpectedEOF {
			// Peer disappeared without a Close frame: protocol violation
			// per spec.md §4.6, but treated as an I/O-class abort, not
			// surfaced to OnException.
			c.abort(fmt.Errorf("wsforge: connection closed without Close frame: %w", derr))
			return nil, true, nil
		}
		c.abort(derr)
		return nil, true, nil
	}

	expectMasked := c.flags.Server // a server's incoming frames (from clients) are always masked; a client's (from servers) never are
	if hdr.Masked != expectMasked {
		return nil, false, c.protocolClose(StatusProtocolError, "frame masking does not match peer direction")
	}

	// Once our own Close has gone out (state past Open), we're draining
	// solely for the peer's Close frame, per spec.md §4.6: anything else
	// arriving in this window aborts the connection instead of being
	// processed, so no Ping gets answered and no data message gets
	// silently assembled and discarded.
	if c.State() != StateOpen && hdr.OpCode != OpClose {
		c.abort(fmt.Errorf("wsforge: frame with opcode %d received while draining for peer close", hdr.OpCode))
		return nil, true, nil
	}

	if !c.recvOpen {
		switch hdr.OpCode {
		case OpPing:
			return nil, false, c.handlePing(hdr)
		case OpPong:
			return nil, false, c.drainControlPayload(hdr)
		case OpClose:
			drained, err = c.handlePeerClose(hdr)
			return nil, drained, err
		case OpText, OpBinary:
			c.beginMessage(hdr)
		default:
			return nil, false, c.protocolClose(StatusInvalidPayloadData, fmt.Sprintf("unexpected opcode %d starting a message", hdr.OpCode))
		}
	} else {
		if hdr.OpCode == OpPing || hdr.OpCode == OpPong || hdr.OpCode == OpClose {
			// Control frames may be interleaved between fragments.
			switch hdr.OpCode {
			case OpPing:
				return nil, false, c.handlePing(hdr)
			case OpPong:
				return nil, false, c.drainControlPayload(hdr)
			case OpClose:
				drained, err = c.handlePeerClose(hdr)
				return nil, drained, err
			}
		}
		if hdr.OpCode != OpContinuation {
			return nil, false, c.protocolClose(StatusInvalidPayloadData, "expected continuation frame")
		}
	}

	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, rerr := io.ReadFull(c.stream, payload); rerr != nil {
			c.abort(rerr)
			return nil, true, nil
		}
		if hdr.Masked {
			MaskBytes(payload, hdr.Mask, 0)
		}
	}

	if werr := c.recvBuf.WriteFrame(payload); werr != nil {
		c.releaseRecvBuf()
		return nil, false, c.protocolClose(StatusMessageTooBig, "message exceeds maximum size")
	}

	if !hdr.Fin {
		return nil, false, nil
	}

	c.recvBuf.Complete()
	chain, ferr := c.recvBuf.Finalize()
	if ferr != nil {
		if errors.Is(ferr, wsio.ErrMessageTooBig) {
			c.releaseRecvBuf()
			return nil, false, c.protocolClose(StatusMessageTooBig, "message exceeds maximum size")
		}
		c.abort(ferr)
		return nil, true, nil
	}
	c.recvOpen = false

	out := &Message{Type: c.recvType}
	*out.Chain() = *chain
	c.logReceive(messageTypeToOpCode(c.recvType), out.Chain().TotalWritten(), hdr.Compressed, true)
	return out, false, nil
}

func (c *Conn) beginMessage(hdr Header) {
	var handle *flatecodec.Handle
	if hdr.Compressed {
		handle = c.codecHandle().Acquire()
	}
	c.recvBuf = wsio.NewRecvBuffer(handle)
	c.recvBuf.MaxMessageSize = c.maxMessageSize
	c.recvBuf.Reset(hdr.Compressed)
	if hdr.OpCode == OpText {
		c.recvType = Text
	} else {
		c.recvType = Binary
	}
	c.recvOpen = true
}

func (c *Conn) handlePing(hdr Header) error {
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(c.stream, payload); err != nil {
			c.abort(err)
			return nil
		}
		if hdr.Masked {
			MaskBytes(payload, hdr.Mask, 0)
		}
		// spec.md §4.6: a non-empty Ping payload aborts the connection.
		c.abort(errors.New("wsforge: non-empty ping payload"))
		return nil
	}
	return c.sendControl(OpPong, nil)
}

func (c *Conn) drainControlPayload(hdr Header) error {
	if hdr.Length == 0 {
		return nil
	}
	buf := make([]byte, hdr.Length)
	if _, err := io.ReadFull(c.stream, buf); err != nil {
		c.abort(err)
	}
	return nil
}

// handlePeerClose implements spec.md §4.6's close-handshake receive path.
// It returns drained=true once nothing further will be delivered to the
// caller on this connection.
func (c *Conn) handlePeerClose(hdr Header) (bool, error) {
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(c.stream, payload); err != nil {
			c.abort(err)
			return true, nil
		}
		if hdr.Masked {
			MaskBytes(payload, hdr.Mask, 0)
		}
	}

	c.mu.Lock()
	c.closeReceived = true
	wasOpen := c.state == StateOpen
	c.mu.Unlock()

	if wasOpen {
		// Peer-initiated close: reflect it back, echo-only (no
		// description), then close the stream once that write lands.
		c.changeState(StateClosing)
		c.stream.SetCloseAfterWrite(true)
		_ = c.sendControl(OpClose, payload[:minInt(len(payload), 2)])
		c.changeState(StateClosed)
		return true, nil
	}

	// We already sent our own Close (state is Closing): the handshake is
	// now complete.
	c.changeState(StateClosed)
	return true, nil
}

// protocolClose starts (or upgrades to) a protocol-error close and reports
// drained=false-equivalent by returning the error to the caller's loop,
// which will observe the resulting state change on its next iteration via
// receiveFrame's early State checks. Kept simple: it synchronously runs the
// close send and returns nil so the caller's loop proceeds to notice the
// new state.
func (c *Conn) protocolClose(code StatusCode, reason string) error {
	if err := c.CloseAsync(code, reason); err != nil {
		return err
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ---- close handshake ----

// CloseAsync starts the RFC 6455 close handshake: if the connection is
// still Open, it transitions to Closing, sends a Close frame carrying code
// and description, and (if the peer's Close has not already been received)
// arranges a background drain for it. No-op if the connection is not Open,
// per spec.md §4.6.
func (c *Conn) CloseAsync(code StatusCode, description string) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.closeSent = true
	c.closeCode = code
	c.closeReason = description
	alreadyReceived := c.closeReceived
	c.mu.Unlock()

	c.logStateChange(StateOpen, StateClosing)

	body := make([]byte, 2+len(description))
	body[0] = byte(code >> 8)
	body[1] = byte(code)
	copy(body[2:], description)

	if err := c.sendControl(OpClose, body); err != nil {
		c.abort(err)
		return nil
	}

	if alreadyReceived {
		c.changeState(StateClosed)
		return nil
	}

	// Drain for the peer's Close in the background unless a user Receive
	// call is already doing exactly that — see receiveFrame's
	// re-entrancy-aware design.
	go func() {
		for {
			st := c.State()
			if st == StateClosed || st == StateAborted {
				return
			}
			if !atomic.CompareAndSwapInt32(&c.receiving, 0, 1) {
				// Someone else (the user's own Receive loop) already owns
				// the read path; it will observe the peer's Close itself.
				return
			}
			_, drained, err := c.receiveFrame()
			atomic.StoreInt32(&c.receiving, 0)
			if err != nil || drained {
				return
			}
		}
	}()
	return nil
}
