package refbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextEmbedIsDeterministicAndDimensioned(t *testing.T) {
	ctx := context.Background()
	backend := NewText(64, 8)
	require.NoError(t, backend.Warmup(ctx))

	first, err := backend.EmbedText(ctx, []string{"a cat sitting on a mat"})
	require.NoError(t, err)
	second, err := backend.EmbedText(ctx, []string{"a cat sitting on a mat"})
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, first[0], 64)
	require.Equal(t, first[0], second[0], "hashing is deterministic across calls")
}

func TestTextEmbedDistinguishesDifferentInput(t *testing.T) {
	ctx := context.Background()
	backend := NewText(64, 8)

	a, err := backend.EmbedText(ctx, []string{"sunrise over the mountains"})
	require.NoError(t, err)
	b, err := backend.EmbedText(ctx, []string{"a city skyline at night"})
	require.NoError(t, err)

	require.NotEqual(t, a[0], b[0])
}

func TestImageEmbedUsesDimensions(t *testing.T) {
	ctx := context.Background()
	backend := NewImage(32, 4)

	rgbA := make([]byte, 3*4*4)
	rgbB := make([]byte, 3*8*2)
	for i := range rgbA {
		rgbA[i] = byte(i)
	}
	copy(rgbB, rgbA)

	vecA, err := backend.EmbedImage(ctx, rgbA, 4, 4)
	require.NoError(t, err)
	vecB, err := backend.EmbedImage(ctx, rgbB, 8, 2)
	require.NoError(t, err)

	require.Len(t, vecA, 32)
	require.NotEqual(t, vecA, vecB, "same bytes at different dimensions must not collide")
}

func TestAudioEmbedHandlesEmptyWaveform(t *testing.T) {
	ctx := context.Background()
	backend := NewAudio(16, 48000, 8)

	vec, err := backend.EmbedAudio(ctx, nil)
	require.NoError(t, err)
	require.Len(t, vec, 16)
	for _, x := range vec {
		require.Zero(t, x)
	}
}
