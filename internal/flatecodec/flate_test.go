package flatecodec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeflateInflateRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte("ab"), 10000),
	}

	for _, original := range cases {
		var dst bytes.Buffer
		def := NewDeflater(6)
		def.Reset(&dst)
		_, err := def.Write(original)
		require.NoError(t, err)
		require.NoError(t, def.Finish())

		compressed := dst.Bytes()
		if len(original) > 100 {
			require.Less(t, len(compressed), len(original))
		}
		require.True(t, bytes.HasSuffix(compressed, Trailer[:]), "compressed output must end with the sync-flush trailer")

		inf := NewInflater()
		inf.Reset(bytes.NewReader(compressed))
		got, err := io.ReadAll(inf)
		require.NoError(t, err)
		require.Equal(t, original, got)
	}
}

func TestHandleRefcounting(t *testing.T) {
	h := NewHandle(6)
	h.Acquire()
	h.Acquire()

	h.Release()
	h.Release()
	h.Release()

	require.Panics(t, func() { h.Release() })
}

func TestHandleAcquireAfterReleasePanics(t *testing.T) {
	h := NewHandle(6)
	h.Release()
	require.Panics(t, func() { h.Acquire() })
}

func TestHandleLazyCodecs(t *testing.T) {
	h := NewHandle(6)
	defer h.Release()

	d := h.Deflater()
	require.NotNil(t, d)
	require.Same(t, d, h.Deflater())

	inf := h.Inflater()
	require.NotNil(t, inf)
	require.Same(t, inf, h.Inflater())
}
