package wsforge

import "github.com/wsforge/wsforge/internal/bufpool"

// MessageType identifies the kind of payload a Message carries.
type MessageType int

// Message types, per spec.md §3.
const (
	Text MessageType = iota
	Binary
	Close
	Ping
	Pong
)

// Message is one logical application payload: a type plus an owned segment
// chain. Outgoing messages reserve header space in the first segment's
// prefix; Offset tells the transport writer where the real header begins
// once it has been packed backwards to fit a short header into the 14-byte
// reservation.
//
// A Message is consumed by exactly one send or one delivery to the user,
// then released via Release. Failing to call Release leaks pooled segments.
type Message struct {
	Type   MessageType
	chain  bufpool.Chain
	Offset int // byte offset into the head segment where the frame header starts
}

// Bytes returns the full payload as a single contiguous slice. A
// single-segment chain is returned without copying; multi-segment chains
// (received messages larger than one segment, for example) are copied once
// here.
func (m *Message) Bytes() []byte {
	if m.chain.Empty() {
		return nil
	}
	if m.chain.Head() == m.chain.Tail() {
		return m.chain.Head().Written()[m.Offset:]
	}
	out := make([]byte, 0, m.chain.TotalWritten())
	first := true
	for s := m.chain.Head(); s != nil; s = s.Next() {
		w := s.Written()
		if first {
			w = w[m.Offset:]
			first = false
		}
		out = append(out, w...)
	}
	return out
}

// Chain exposes the underlying segment chain for the protocol engine's
// transport writer, which needs to walk segments to issue vectored writes
// without copying Bytes().
func (m *Message) Chain() *bufpool.Chain { return &m.chain }

// Release returns every segment the message owns back to the pool. Safe to
// call once; calling it twice is a caller bug (the chain is already empty
// and Release on an empty chain is a no-op, so double-release is harmless
// but indicates a lifecycle mistake).
func (m *Message) Release() {
	m.chain.Release()
}
