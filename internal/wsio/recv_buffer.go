package wsio

import (
	"errors"
	"io"
	"math"

	"github.com/wsforge/wsforge/internal/bufpool"
	"github.com/wsforge/wsforge/internal/flatecodec"
)

// DefaultMaxMessageSize is the default accumulated-message size cap, per
// spec.md §4.4 (INT32_MAX).
const DefaultMaxMessageSize = math.MaxInt32

// ErrMessageTooBig is returned by Finalize/WriteFrame once the accumulated
// message length would exceed MaxMessageSize. The caller (protocol engine)
// reacts by starting a protocol close with status 1009, per spec.md
// §4.4/§7.
var ErrMessageTooBig = errors.New("wsforge: message exceeds maximum size")

// errNotComplete is returned internally by Finalize when no FIN frame was
// ever seen for the message being accumulated.
var errNotComplete = errors.New("wsforge: message did not complete (no FIN received)")

// RecvBuffer accumulates the payload of one logical message across however
// many frames it took to deliver, optionally inflating compressed input,
// and produces a completed segment chain once the FIN frame arrives.
//
// Uncompressed frame payloads are written straight into the accumulating
// chain as they arrive (true streaming). Compressed payloads are
// accumulated in their still-compressed form and inflated once, at
// Finalize, after the mandatory 0x00 0x00 0xFF 0xFF tail is appended: WS
// frame boundaries on a fragmented incoming message need not coincide with
// a deflate sync-flush boundary, so only the fully assembled compressed
// blob is guaranteed safely decodable end to end.
type RecvBuffer struct {
	Codec          *flatecodec.Handle // required iff the message is compressed
	MaxMessageSize int64

	compressed  bool
	accumulated int64
	success     bool

	chain   bufpool.Chain // uncompressed: final payload; compressed: still-compressed bytes
	current *bufpool.Segment
}

// NewRecvBuffer constructs a RecvBuffer with the default size cap.
func NewRecvBuffer(codec *flatecodec.Handle) *RecvBuffer {
	return &RecvBuffer{Codec: codec, MaxMessageSize: DefaultMaxMessageSize}
}

// Reset prepares the buffer for a new message. compressed must reflect the
// first frame's RSV1 bit (compression is only ever signaled on frame one).
func (b *RecvBuffer) Reset(compressed bool) {
	b.compressed = compressed
	b.accumulated = 0
	b.success = false
}

// WriteFrame accepts one frame's payload, already unmasked by the caller
// (the frame codec owns mask application since the mask is per-frame, not
// per-message). Uncompressed payload is charged against MaxMessageSize as
// it streams in; compressed payload is charged only once, against the
// inflated size, during Finalize — per spec.md §4.4's "incremented only
// when not currently accumulating compressed input".
func (b *RecvBuffer) WriteFrame(payload []byte) error {
	if !b.compressed {
		if b.accumulated+int64(len(payload)) > b.MaxMessageSize {
			return ErrMessageTooBig
		}
		b.accumulated += int64(len(payload))
		_, err := b.write(payload)
		return err
	}
	_, err := b.write(payload)
	return err
}

// write appends p to the accumulating chain via the pooled-segment writer
// interface, same shape as SendBuffer's.
func (b *RecvBuffer) write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if b.current == nil || b.current.Remaining() == 0 {
			if b.current != nil {
				b.chain.Append(b.current)
			}
			b.current = bufpool.Rent(maxInt(len(p), bufpool.DefaultSegmentSize))
		}
		n := copy(b.current.Available(), p)
		b.current.Advance(n)
		p = p[n:]
	}
	return total, nil
}

// Complete marks the message as successfully terminated by a FIN frame.
func (b *RecvBuffer) Complete() { b.success = true }

// Finalize appends the mandatory 0x00 0x00 0xFF 0xFF inflate tail (when
// compressed) and runs the inflate pass, or simply closes out the
// accumulated chain (when not), returning the completed, read-only chain.
// If the message never reached Complete, the partially accumulated chain is
// released and an error is returned instead.
func (b *RecvBuffer) Finalize() (*bufpool.Chain, error) {
	if !b.success {
		b.releaseAll()
		b.releaseCodec()
		return nil, errNotComplete
	}

	if b.current != nil {
		b.chain.Append(b.current)
		b.current = nil
	}

	if !b.compressed {
		result := b.chain
		b.chain = bufpool.Chain{}
		return &result, nil
	}

	compressedChain := b.chain
	b.chain = bufpool.Chain{}

	inf := b.Codec.Inflater()
	inf.Reset(io.MultiReader(chainReader(&compressedChain), bytesReader(flatecodec.Trailer[:])))

	var out bufpool.Chain
	var outCur *bufpool.Segment
	var total int64
	var buf [4096]byte
	for {
		n, err := inf.Read(buf[:])
		if n > 0 {
			total += int64(n)
			if total > b.MaxMessageSize {
				compressedChain.Release()
				out.Release()
				if outCur != nil {
					bufpool.Return(outCur)
				}
				b.releaseCodec()
				return nil, ErrMessageTooBig
			}
			rest := buf[:n]
			for len(rest) > 0 {
				if outCur == nil || outCur.Remaining() == 0 {
					if outCur != nil {
						out.Append(outCur)
					}
					outCur = bufpool.Rent(bufpool.DefaultSegmentSize)
				}
				m := copy(outCur.Available(), rest)
				outCur.Advance(m)
				rest = rest[m:]
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			compressedChain.Release()
			out.Release()
			if outCur != nil {
				bufpool.Return(outCur)
			}
			b.releaseCodec()
			return nil, err
		}
	}
	if outCur != nil {
		out.Append(outCur)
	}
	compressedChain.Release()
	b.releaseCodec()
	return &out, nil
}

// releaseCodec drops this buffer's reference on its codec handle, acquired
// by the caller (the protocol engine's beginMessage) for the duration of
// exactly one message's assembly. No-op if the message was never
// compressed (Codec is nil) or already released.
func (b *RecvBuffer) releaseCodec() {
	if b.Codec != nil {
		b.Codec.Release()
		b.Codec = nil
	}
}

func (b *RecvBuffer) releaseAll() {
	if b.current != nil {
		bufpool.Return(b.current)
		b.current = nil
	}
	b.chain.Release()
}

// Release abandons an in-progress message: it returns every segment
// accumulated so far to the pool and drops this buffer's reference on its
// codec handle (if any), so an aborted receive never leaks either the
// rented segments or the deflater/inflater's final Close(). Safe to call at
// most once per RecvBuffer; the caller (the protocol engine) must not reuse
// a RecvBuffer after calling Release or Finalize.
func (b *RecvBuffer) Release() {
	b.releaseAll()
	b.releaseCodec()
}

// chainReader reads sequentially through a chain's written bytes without
// copying them into one contiguous slice first.
type chainReaderImpl struct {
	seg *bufpool.Segment
	pos int
}

func chainReader(c *bufpool.Chain) io.Reader {
	return &chainReaderImpl{seg: c.Head()}
}

func (r *chainReaderImpl) Read(p []byte) (int, error) {
	for r.seg != nil && r.pos >= len(r.seg.Written()) {
		r.seg = r.seg.Next()
		r.pos = 0
	}
	if r.seg == nil {
		return 0, io.EOF
	}
	n := copy(p, r.seg.Written()[r.pos:])
	r.pos += n
	return n, nil
}

// bytesReaderImpl is a minimal io.Reader over a byte slice, avoiding a
// bytes.Reader allocation for the small fixed trailer feed.
type bytesReaderImpl struct {
	p []byte
}

func bytesReader(p []byte) io.Reader { return &bytesReaderImpl{p: p} }

func (r *bytesReaderImpl) Read(p []byte) (int, error) {
	if len(r.p) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.p)
	r.p = r.p[n:]
	return n, nil
}
