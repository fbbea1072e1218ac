package digest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfBytesDeterministic(t *testing.T) {
	a := OfBytes([]byte("hello world"))
	b := OfBytes([]byte("hello world"))
	require.Equal(t, a, b)
	require.False(t, a.IsZero())
}

func TestOfBytesDiffersOnContentChange(t *testing.T) {
	a := OfBytes([]byte("hello world"))
	b := OfBytes([]byte("hello world!"))
	require.NotEqual(t, a, b)
}

func TestOfFileMatchesOfBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	content := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	got, err := OfFile(path)
	require.NoError(t, err)
	require.Equal(t, OfBytes(content), got)
}

func TestOfFileMissing(t *testing.T) {
	_, err := OfFile(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

func TestStringRoundTripsThroughParse(t *testing.T) {
	d := OfBytes([]byte("round trip"))
	parsed, err := Parse(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, err := Parse("deadbeef")
	require.Error(t, err)
}

func TestParseRejectsNonHex(t *testing.T) {
	_, err := Parse(strings.Repeat("z", Size*2))
	require.Error(t, err)
}

func TestShardPrefixesString(t *testing.T) {
	d := OfBytes([]byte("shard me"))
	require.True(t, strings.HasPrefix(d.String(), d.Shard(2)))
	require.Len(t, d.Shard(2), 2)
	require.Equal(t, d.String(), d.Shard(1000))
}
