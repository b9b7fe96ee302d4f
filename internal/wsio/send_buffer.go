// Package wsio implements the send buffer writer and receive buffer reader
// described by spec.md §4.3/§4.4: the accumulate/compress/frame/mask
// pipeline for outgoing messages, and the accumulate/unmask/inflate
// pipeline for incoming ones. Adapted from the teacher's
// websocket/transport.go (Write/writeCompress/packHeader) and
// websocket/internal/wsutils/frame_reader.go (NextFrame/Read).
package wsio

import (
	"math/rand"
	"sync"
	"unicode/utf8"

	"github.com/wsforge/wsforge/internal/bufpool"
	"github.com/wsforge/wsforge/internal/flatecodec"
	"github.com/wsforge/wsforge/internal/wsframe"
)

// SendBuffer accumulates one outgoing message's bytes, optionally
// compressing them, and produces a framed, (if client-side) masked chain
// ready to hand to the transport writer.
//
// Zero value is not usable; construct with NewSendBuffer.
type SendBuffer struct {
	Compress   bool
	ClientSide bool
	Codec      *flatecodec.Handle // required iff Compress

	raw     bufpool.Chain // plain user bytes, accumulated here before Finalize
	current *bufpool.Segment
}

// NewSendBuffer constructs a SendBuffer. codec may be nil when compress is
// false.
func NewSendBuffer(compress, clientSide bool, codec *flatecodec.Handle) *SendBuffer {
	return &SendBuffer{Compress: compress, ClientSide: clientSide, Codec: codec}
}

// GetBytes returns a writable span of at least sizeHint bytes (more may be
// returned; callers must call Advance with however much they actually use).
func (b *SendBuffer) GetBytes(sizeHint int) []byte {
	if b.current == nil {
		b.current = bufpool.Rent(maxInt(sizeHint, bufpool.DefaultSegmentSize))
	} else if b.current.Remaining() < sizeHint {
		b.raw.Append(b.current)
		b.current = bufpool.Rent(maxInt(sizeHint, bufpool.DefaultSegmentSize))
	}
	return b.current.Available()
}

// Advance commits n bytes of the span returned by the most recent GetBytes
// call.
func (b *SendBuffer) Advance(n int) { b.current.Advance(n) }

// WriteString streams s through GetBytes/Advance, re-encoding each rune into
// a bounded scratch window rather than writing s's underlying bytes
// directly, so callers building messages from runes go through the same
// writer interface as binary payloads.
func (b *SendBuffer) WriteString(s string) {
	const maxRuneWidth = 6 // legacy UTF-8 encoded-rune upper bound
	var scratch [maxRuneWidth]byte
	for _, r := range s {
		n := utf8.EncodeRune(scratch[:utf8.UTFMax], r)
		dst := b.GetBytes(n)
		copy(dst, scratch[:n])
		b.Advance(n)
	}
}

// Write implements io.Writer over GetBytes/Advance for raw binary payloads.
func (b *SendBuffer) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		dst := b.GetBytes(len(p))
		n := copy(dst, p)
		b.Advance(n)
		p = p[n:]
	}
	return total, nil
}

// Finalize flushes any remaining bytes, compresses them (when Compress is
// set) stripping the mandatory 4-byte permessage-deflate trailer, packs the
// frame header into a reserved 14-byte prefix, masks the payload when
// ClientSide, and returns the finished chain plus the byte offset within its
// head segment where the real header begins.
//
// The caller owns the returned chain and must Release it once the message
// has been written (or on any failure path).
func (b *SendBuffer) Finalize(opCode wsframe.OpCode, fin bool) (*bufpool.Chain, int, error) {
	if b.current != nil {
		b.raw.Append(b.current)
		b.current = nil
	}

	var payload bufpool.Chain
	compressed := false

	if b.Compress {
		compressed = true
		def := b.Codec.Deflater()
		w := &chainWriter{}
		def.Reset(w)
		for s := b.raw.Head(); s != nil; s = s.Next() {
			if _, err := def.Write(s.Written()); err != nil {
				w.release()
				b.raw.Release()
				return nil, 0, err
			}
		}
		if err := def.Finish(); err != nil {
			w.release()
			b.raw.Release()
			return nil, 0, err
		}
		w.flushCurrent()
		b.raw.Release()
		payload = w.chain
		stripTrailer(&payload)
	} else {
		payload = b.raw
		b.raw = bufpool.Chain{}
	}

	headSeg := bufpool.Rent(wsframe.MaxHeaderSize)
	headSeg.Advance(wsframe.MaxHeaderSize)
	final := bufpool.Chain{}
	final.Append(headSeg)
	for s := payload.Head(); s != nil; {
		next := s.Next()
		final.Append(s)
		s = next
	}

	length := int64(final.TotalWritten() - wsframe.MaxHeaderSize)

	hdr := wsframe.Header{Fin: fin, Compressed: compressed, OpCode: opCode, Masked: b.ClientSide, Length: length}
	if b.ClientSide {
		fillMask(&hdr.Mask)
	}

	n, err := wsframe.EncodeHeader(headSeg.Written()[:wsframe.MaxHeaderSize], hdr)
	if err != nil {
		final.Release()
		return nil, 0, err
	}
	offset := wsframe.MaxHeaderSize - n
	copy(headSeg.Written()[offset:offset+n], headSeg.Written()[:n])

	if b.ClientSide {
		maskChain(&final, offset+n, hdr.Mask)
	}

	return &final, offset, nil
}

// chainWriter adapts a bufpool.Chain to io.Writer so the deflater can write
// its compressed output straight into pooled segments.
type chainWriter struct {
	chain   bufpool.Chain
	current *bufpool.Segment
}

func (w *chainWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if w.current == nil || w.current.Remaining() == 0 {
			w.flushCurrent()
			w.current = bufpool.Rent(bufpool.DefaultSegmentSize)
		}
		n := copy(w.current.Available(), p)
		w.current.Advance(n)
		p = p[n:]
	}
	return total, nil
}

func (w *chainWriter) flushCurrent() {
	if w.current != nil {
		w.chain.Append(w.current)
		w.current = nil
	}
}

func (w *chainWriter) release() {
	w.flushCurrent()
	w.chain.Release()
}

// stripTrailer removes the 4-byte 0x00 0x00 0xFF 0xFF SyncFlush trailer the
// deflater always appends, per spec.md §4.2. If fewer than 4 bytes remain in
// the tail segment, the tail is dropped entirely and the strip rewinds into
// the previous segment — the boundary case spec.md §4.3 calls out.
func stripTrailer(chain *bufpool.Chain) {
	remaining := 4
	for remaining > 0 {
		tail := chain.Tail()
		if tail == nil {
			return
		}
		written := len(tail.Written())
		if written >= remaining {
			tail.Rewind(remaining)
			if len(tail.Written()) == 0 && chain.Len() > 1 {
				bufpool.Return(chain.DropTail())
			}
			return
		}
		remaining -= written
		bufpool.Return(chain.DropTail())
	}
}

// maskChain XORs mask across the payload bytes of chain, starting
// startOffset bytes into the head segment, with the running mask offset
// carried correctly across segment boundaries.
func maskChain(chain *bufpool.Chain, startOffset int, mask [4]byte) {
	offset := 0
	first := true
	for s := chain.Head(); s != nil; s = s.Next() {
		data := s.Written()
		if first {
			data = data[startOffset:]
			first = false
		}
		wsframe.MaskBytes(data, mask, offset)
		offset += len(data)
	}
}

func fillMask(mask *[4]byte) {
	maskMu.Lock()
	v := maskRand.Uint32()
	maskMu.Unlock()
	mask[0] = byte(v >> 24)
	mask[1] = byte(v >> 16)
	mask[2] = byte(v >> 8)
	mask[3] = byte(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// maskRand is the process-global masking PRNG, guarded by maskMu per
// spec.md §5 ("the outgoing-mask PRNG is a process-global random source
// guarded by a mutex"). Masking is not security-sensitive, only
// proxy-traversal cover, so math/rand is sufficient.
var (
	maskMu   sync.Mutex
	maskRand = rand.New(rand.NewSource(rand.Int63()))
)
