package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutRecallStatsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cli-test.mv2s")

	var out, errOut bytes.Buffer
	code := run([]string{"put", path, "paris is the capital of france", "--source=test"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.NotEmpty(t, strings.TrimSpace(out.String()))

	out.Reset()
	errOut.Reset()
	code = run([]string{"recall", path, "france"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), "france")

	out.Reset()
	errOut.Reset()
	code = run([]string{"stats", path}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), "live_frames=")
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"bogus"}, &out, &errOut)
	require.Equal(t, 2, code)
	require.Contains(t, errOut.String(), "unknown command")
}
