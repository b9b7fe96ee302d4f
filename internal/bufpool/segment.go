// Package bufpool implements the pooled-segment chain described by the
// protocol engine's buffer model: rented byte blocks, chained in order, with
// exactly-once release walking the chain from head to tail.
package bufpool

import "sync"

// DefaultSegmentSize is the size of a freshly allocated segment. Rent
// requests smaller than this still get a full segment; larger hints grow the
// allocation to fit.
const DefaultSegmentSize = 8192

// MaxHeaderSize is the largest possible RFC 6455 frame header: 2 base bytes
// + 8 extended-length bytes + 4 mask bytes.
const MaxHeaderSize = 14

var pool = sync.Pool{
	New: func() interface{} {
		return &Segment{memory: make([]byte, DefaultSegmentSize)}
	},
}

// Segment is a single rented byte block with a write cursor. Invariant:
// position is always in [0, len(memory)]; memory[:position] is written data,
// memory[position:] is available space.
type Segment struct {
	memory   []byte
	position int
	next     *Segment
}

// Rent returns a segment sized for at least minSize bytes. Segments are
// always grown to at least DefaultSegmentSize so small writes don't
// constantly allocate.
func Rent(minSize int) *Segment {
	size := minSize
	if size < DefaultSegmentSize {
		size = DefaultSegmentSize
	}
	s := pool.Get().(*Segment)
	if cap(s.memory) < size {
		s.memory = make([]byte, size)
	} else {
		s.memory = s.memory[:cap(s.memory)]
	}
	s.position = 0
	s.next = nil
	return s
}

// Return releases a single segment back to the pool. Callers should use
// Chain.Release to release an entire chain exactly once; Return is exported
// for the boundary case where a segment was rented but never linked into a
// chain.
func Return(s *Segment) {
	if s == nil {
		return
	}
	s.next = nil
	s.position = 0
	pool.Put(s)
}

// Available returns the writable tail of the segment.
func (s *Segment) Available() []byte { return s.memory[s.position:] }

// Written returns the bytes written so far.
func (s *Segment) Written() []byte { return s.memory[:s.position] }

// Cap reports the segment's total capacity.
func (s *Segment) Cap() int { return len(s.memory) }

// Next returns the next segment in its chain, or nil at the tail.
func (s *Segment) Next() *Segment { return s.next }

// Remaining reports the unwritten capacity.
func (s *Segment) Remaining() int { return len(s.memory) - s.position }

// Advance moves the write cursor forward by n bytes. It panics if n would
// push position out of [0, cap] — that is a programming error in the caller.
func (s *Segment) Advance(n int) {
	if n < 0 || s.position+n > len(s.memory) {
		panic("bufpool: advance out of range")
	}
	s.position += n
}

// Rewind moves the write cursor back by n bytes, discarding the last n
// written bytes. Used to strip the permessage-deflate trailer.
func (s *Segment) Rewind(n int) {
	if n < 0 || n > s.position {
		panic("bufpool: rewind out of range")
	}
	s.position -= n
}

// Chain is a forward-linked sequence of segments with a tail pointer for
// O(1) append, per spec.md §9's single-ownership redesign of the original
// doubly-linked structure.
type Chain struct {
	head *Segment
	tail *Segment
	len  int // number of segments
}

// Head returns the first segment in the chain, or nil if empty.
func (c *Chain) Head() *Segment { return c.head }

// Tail returns the last segment in the chain, or nil if empty.
func (c *Chain) Tail() *Segment { return c.tail }

// Empty reports whether the chain holds no segments.
func (c *Chain) Empty() bool { return c.head == nil }

// Append transfers ownership of s to the chain, linking it after the
// current tail.
func (c *Chain) Append(s *Segment) {
	if c.head == nil {
		c.head = s
		c.tail = s
		c.len = 1
		return
	}
	c.tail.next = s
	c.tail = s
	c.len++
}

// Len reports the number of segments currently in the chain.
func (c *Chain) Len() int { return c.len }

// TotalWritten sums Written() across every segment in the chain.
func (c *Chain) TotalWritten() int {
	n := 0
	for s := c.head; s != nil; s = s.next {
		n += s.position
	}
	return n
}

// Release returns every segment in the chain to the pool exactly once and
// clears the chain. Safe to call on an empty chain.
func (c *Chain) Release() {
	for s := c.head; s != nil; {
		next := s.next
		Return(s)
		s = next
	}
	c.head = nil
	c.tail = nil
	c.len = 0
}

// DropTail removes and releases the current tail segment, rewinding the
// chain so the previous segment becomes the new tail. Used when stripping
// the permessage-deflate 4-byte trailer crosses a segment boundary.
//
// Since this chain is forward-linked only, DropTail walks from the head to
// find the tail's predecessor when there is more than one segment. This is acceptable: it only happens once per
// message finalize, at most, and chains are short in practice (the 8192-byte
// default segment size means multi-segment chains are rare).
func (c *Chain) DropTail() *Segment {
	if c.head == nil {
		return nil
	}
	if c.head == c.tail {
		old := c.head
		c.head = nil
		c.tail = nil
		c.len = 0
		return old
	}
	prev := c.head
	for prev.next != c.tail {
		prev = prev.next
	}
	old := c.tail
	prev.next = nil
	c.tail = prev
	c.len--
	return old
}
