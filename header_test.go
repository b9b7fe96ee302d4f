package wsforge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	lengths := []int64{0, 1, 125, 126, 127, 65535, 65536, 1 << 20}
	for _, length := range lengths {
		for _, masked := range []bool{false, true} {
			for _, fin := range []bool{false, true} {
				h := Header{Fin: fin, Compressed: true, OpCode: OpBinary, Masked: masked, Length: length}
				if masked {
					h.Mask = [4]byte{0xDE, 0xAD, 0xBE, 0xEF}
				}

				var buf [MaxHeaderSize]byte
				n, err := EncodeHeader(buf[:], h)
				require.NoError(t, err)
				require.Equal(t, h.Size(), n)

				var scratch [MaxHeaderSize]byte
				got, err := DecodeHeader(bytes.NewReader(buf[:n]), scratch[:])
				require.NoError(t, err)
				require.Equal(t, h, got)
			}
		}
	}
}

func TestDecodeHeaderRejectsFragmentedControlFrame(t *testing.T) {
	h := Header{Fin: false, OpCode: OpPing, Length: 0}
	var buf [MaxHeaderSize]byte
	n, err := EncodeHeader(buf[:], h)
	require.NoError(t, err)

	var scratch [MaxHeaderSize]byte
	_, err = DecodeHeader(bytes.NewReader(buf[:n]), scratch[:])
	require.Error(t, err)
}

func TestEncodeHeaderRejectsOversizedControlPayload(t *testing.T) {
	h := Header{Fin: true, OpCode: OpClose, Length: MaxControlFramePayload + 1}
	var buf [MaxHeaderSize]byte
	_, err := EncodeHeader(buf[:], h)
	require.Error(t, err)
}

func TestMaskBytesRoundTrip(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	data := []byte("the quick brown fox jumps over the lazy dog")
	orig := append([]byte(nil), data...)

	MaskBytes(data, mask, 0)
	require.NotEqual(t, orig, data)
	MaskBytes(data, mask, 0)
	require.Equal(t, orig, data)

	// Splitting the same payload across two calls with a running offset
	// must produce the same result as one call.
	split := append([]byte(nil), orig...)
	MaskBytes(split[:7], mask, 0)
	MaskBytes(split[7:], mask, 7)
	whole := append([]byte(nil), orig...)
	MaskBytes(whole, mask, 0)
	require.Equal(t, whole, split)
}
