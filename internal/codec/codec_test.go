package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder(64)
	enc.PutUint8(7)
	enc.PutUint16(1234)
	enc.PutUint32(567890)
	enc.PutUint64(123456789012345)
	enc.PutString16("hello")
	enc.PutBytes32([]byte{1, 2, 3, 4})
	enc.PutStringList16([]string{"a", "bb", "ccc"})

	dec := NewDecoder(enc.Bytes())

	u8, err := dec.Uint8("u8")
	require.NoError(t, err)
	require.Equal(t, uint8(7), u8)

	u16, err := dec.Uint16("u16")
	require.NoError(t, err)
	require.Equal(t, uint16(1234), u16)

	u32, err := dec.Uint32("u32")
	require.NoError(t, err)
	require.Equal(t, uint32(567890), u32)

	u64, err := dec.Uint64("u64")
	require.NoError(t, err)
	require.Equal(t, uint64(123456789012345), u64)

	s, err := dec.String16("s")
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	b, err := dec.Bytes32("b")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, b)

	list, err := dec.StringList16("list")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "bb", "ccc"}, list)

	require.NoError(t, dec.Finish())
}

func TestDecoderTruncated(t *testing.T) {
	dec := NewDecoder([]byte{1, 2})
	_, err := dec.Uint32("x")
	require.Error(t, err)
	var terr *TruncatedError
	require.ErrorAs(t, err, &terr)
}

func TestDecoderTrailingBytes(t *testing.T) {
	enc := NewEncoder(4)
	enc.PutUint16(1)
	enc.PutUint16(2)
	dec := NewDecoder(enc.Bytes())
	_, err := dec.Uint16("x")
	require.NoError(t, err)
	err = dec.Finish()
	require.Error(t, err)
	var terr *TrailingBytesError
	require.ErrorAs(t, err, &terr)
}

func TestNegativeZeroCanonicalizes(t *testing.T) {
	require.Equal(t, Float64ToBits(0.0), Float64ToBits(-0.0))
}

func TestAlignTo8(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 17: 24}
	for in, want := range cases {
		require.Equal(t, want, AlignTo8(in), "AlignTo8(%d)", in)
	}
}
