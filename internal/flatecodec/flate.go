// Package flatecodec wraps github.com/klauspost/compress/flate behind the
// narrow streaming interface the protocol engine needs for permessage-deflate
// (RFC 7692): process/finish with SyncFlush semantics, and the 4-byte
// trailer strip/append rule. Adapted from the teacher's
// websocket/internal/wsutils/flate_wrapper.go, restructured around plain
// io.Reader/io.Writer instead of a bytes.Buffer destination so it composes
// directly with the send/receive buffers' segment chains.
package flatecodec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// Trailer is the mandatory 4-byte suffix permessage-deflate appends to every
// compressed message (0x00 0x00 0xFF 0xFF), and the suffix this package
// strips from compressor output / re-appends before decompressor input.
var Trailer = [4]byte{0x00, 0x00, 0xff, 0xff}

// Deflater streams user bytes through flate.Writer with SyncFlush, appending
// (and our caller stripping) the permessage-deflate trailer. One Deflater is
// held per connection, but the send buffer calls Reset before every message
// and Reset discards the compression history, so each message is compressed
// independently: no dictionary carries over between messages.
type Deflater struct {
	dst io.Writer
	fw  *flate.Writer
}

// NewDeflater constructs a deflater writing at the given compression level
// (flate.BestSpeed is the teacher's default, see options.go).
func NewDeflater(level int) *Deflater {
	d := &Deflater{}
	fw, err := flate.NewWriter(io.Discard, level)
	if err != nil {
		// flate.NewWriter only errors on an invalid level. Options does not
		// validate CompressionLevel, so an invalid level panics here.
		panic(fmt.Sprintf("flatecodec: invalid compression level %d: %v", level, err))
	}
	d.fw = fw
	return d
}

// Reset rebinds the deflater to a new destination. The underlying
// flate.Writer is reset as well, which discards its compression history.
func (d *Deflater) Reset(dst io.Writer) {
	d.dst = dst
	d.fw.Reset(dst)
}

// Write pushes input through the compressor. Output lands in the
// destination passed to Reset; there is no held-back output.
func (d *Deflater) Write(p []byte) (int, error) {
	return d.fw.Write(p)
}

// Finish flushes the compressor with SyncFlush, so the written bytes end
// with the mandatory 0x00 0x00 0xFF 0xFF trailer; it returns only the flush
// error and does not check the trailer. The caller (send buffer) is responsible for stripping those 4 bytes from the
// segment chain; Finish itself does not know about segments.
func (d *Deflater) Finish() error {
	return d.fw.Flush()
}

// Close releases the underlying flate.Writer state. Safe to call once the
// deflater is no longer referenced by any connection.
func (d *Deflater) Close() error {
	return d.fw.Close()
}

// Inflater streams compressed bytes (with the trailer re-appended by the
// caller) through flate.Reader. Held per connection; Reset discards its
// history, so each message is decompressed independently.
type Inflater struct {
	src io.Reader
	fr  io.ReadCloser
}

// NewInflater constructs an inflater with no bound source; call Reset before
// reading.
func NewInflater() *Inflater {
	return &Inflater{fr: flate.NewReader(nil)}
}

type flateResetter interface {
	Reset(io.Reader, []byte) error
}

// Reset rebinds the inflater to a new compressed source, which must end with
// the sync-flush trailer. The decompressor is reset as well, which discards
// its history. An empty final stored block is fed after src so that the
// decompressor ends with io.EOF instead of io.ErrUnexpectedEOF once src is
// consumed.
func (inf *Inflater) Reset(src io.Reader) {
	src = io.MultiReader(src, bytes.NewReader([]byte{0x01, 0x00, 0x00, 0xff, 0xff}))
	inf.src = src
	if r, ok := inf.fr.(flateResetter); ok {
		_ = r.Reset(src, nil)
	}
}

// Read decompresses into p. Recoverable conditions (more output needed, end
// of stream reached) are surfaced as ordinary io.Reader results; only
// genuine data-corruption errors propagate as errors, matching spec.md
// §4.2's "recoverable errors return normally" rule.
func (inf *Inflater) Read(p []byte) (int, error) {
	return inf.fr.Read(p)
}

// Close releases the underlying flate.Reader.
func (inf *Inflater) Close() error {
	return inf.fr.Close()
}

// Handle is a reference-counted wrapper around a lazily-built codec pair,
// giving every send/receive buffer that borrows the codec a share. The
// underlying Deflater/Inflater is released exactly once, on the last
// Release call, matching spec.md §3's ref-counted codec handle.
//
// Acquiring a handle after it has reached a zero refcount, or releasing past
// zero, is a programming error: both panic rather than silently corrupt
// state, per spec.md §3.
type Handle struct {
	mu       sync.Mutex
	refs     int
	deflater *Deflater
	inflater *Inflater
	level    int
}

// NewHandle constructs a handle with one outstanding reference, lazily
// building its codec pair on first use.
func NewHandle(level int) *Handle {
	return &Handle{refs: 1, level: level}
}

// Acquire increments the reference count and returns the handle for
// chaining. Panics if called after the handle has been fully released.
func (h *Handle) Acquire() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs <= 0 {
		panic("flatecodec: acquire on released codec handle")
	}
	h.refs++
	return h
}

// Release decrements the reference count, closing the underlying codecs on
// the last release. Panics on underflow (more releases than acquisitions).
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs <= 0 {
		panic("flatecodec: release underflow on codec handle")
	}
	h.refs--
	if h.refs > 0 {
		return
	}
	if h.deflater != nil {
		_ = h.deflater.Close()
		h.deflater = nil
	}
	if h.inflater != nil {
		_ = h.inflater.Close()
		h.inflater = nil
	}
}

// Deflater lazily instantiates and returns the shared deflater.
func (h *Handle) Deflater() *Deflater {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deflater == nil {
		h.deflater = NewDeflater(h.level)
	}
	return h.deflater
}

// Inflater lazily instantiates and returns the shared inflater.
func (h *Handle) Inflater() *Inflater {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflater == nil {
		h.inflater = NewInflater()
	}
	return h.inflater
}
