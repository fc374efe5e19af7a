package checksum

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum256MatchesStdlib(t *testing.T) {
	data := []byte("wax frame payload")
	require.Equal(t, sha256.Sum256(data), Sum256(data))
}

func TestVerify(t *testing.T) {
	data := []byte("hello frame")
	sum := Sum256(data)
	require.True(t, Verify(data, sum))
	sum[0] ^= 0xFF
	require.False(t, Verify(data, sum))
}

func TestDigestIncremental(t *testing.T) {
	d := New()
	_, _ = d.Write([]byte("hello "))
	_, _ = d.Write([]byte("frame"))
	require.Equal(t, Sum256([]byte("hello frame")), d.Sum())
}

func TestTOCChecksum(t *testing.T) {
	body := []byte("toc-body")
	want := sha256.New()
	want.Write(body)
	var zero [32]byte
	want.Write(zero[:])
	var wantSum [32]byte
	copy(wantSum[:], want.Sum(nil))
	require.Equal(t, wantSum, TOCChecksum(body))
}
