package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentAdvanceAndRewind(t *testing.T) {
	s := Rent(16)
	defer Return(s)

	n := copy(s.Available(), []byte("hello"))
	s.Advance(n)
	require.Equal(t, "hello", string(s.Written()))
	require.Equal(t, DefaultSegmentSize-5, s.Remaining())

	s.Rewind(2)
	require.Equal(t, "hel", string(s.Written()))
}

func TestSegmentAdvanceOutOfRangePanics(t *testing.T) {
	s := Rent(16)
	defer Return(s)
	require.Panics(t, func() { s.Advance(DefaultSegmentSize + 1) })
}

func TestSegmentRewindOutOfRangePanics(t *testing.T) {
	s := Rent(16)
	defer Return(s)
	require.Panics(t, func() { s.Rewind(1) })
}

func TestChainAppendAndRelease(t *testing.T) {
	var c Chain
	a := Rent(8)
	a.Advance(copy(a.Available(), []byte("abc")))
	b := Rent(8)
	b.Advance(copy(b.Available(), []byte("de")))

	c.Append(a)
	c.Append(b)

	require.Equal(t, 2, c.Len())
	require.Equal(t, 5, c.TotalWritten())
	require.Same(t, a, c.Head())
	require.Same(t, b, c.Tail())
	require.Same(t, b, a.Next())

	c.Release()
	require.True(t, c.Empty())
	require.Equal(t, 0, c.Len())
}

func TestChainDropTailSingleSegment(t *testing.T) {
	var c Chain
	a := Rent(8)
	c.Append(a)

	dropped := c.DropTail()
	require.Same(t, a, dropped)
	require.True(t, c.Empty())
	Return(dropped)
}

func TestChainDropTailWalksToPredecessor(t *testing.T) {
	var c Chain
	a := Rent(8)
	b := Rent(8)
	c.Append(a)
	c.Append(b)

	dropped := c.DropTail()
	require.Same(t, b, dropped)
	require.Equal(t, 1, c.Len())
	require.Same(t, a, c.Tail())
	Return(dropped)
	c.Release()
}

func TestRentGrowsBeyondDefaultSize(t *testing.T) {
	s := Rent(DefaultSegmentSize * 2)
	defer Return(s)
	require.GreaterOrEqual(t, s.Cap(), DefaultSegmentSize*2)
}
