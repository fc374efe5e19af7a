package compress

import (
	"context"
	"testing"

	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllEncodings(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility. " +
		"the quick brown fox jumps over the lazy dog, repeated for compressibility.")
	diag := diagnostics.Noop()

	for _, enc := range []Encoding{Plain, Deflate, LZ4, LZFSE} {
		compressed, err := Compress(enc, data)
		require.NoError(t, err, enc.String())

		decompressed, err := Decompress(context.Background(), diag, enc, compressed, len(data))
		require.NoError(t, err, enc.String())
		require.Equal(t, data, decompressed, enc.String())
	}
}

func TestDecompressRejectsOverrun(t *testing.T) {
	data := []byte("some payload that is reasonably long for compression testing purposes")
	compressed, err := Compress(Deflate, data)
	require.NoError(t, err)

	_, err = Decompress(context.Background(), diagnostics.Noop(), Deflate, compressed, len(data)-5)
	require.Error(t, err)
}

func TestParseEncodingRejectsUnknown(t *testing.T) {
	_, err := ParseEncoding(99)
	require.Error(t, err)
}
