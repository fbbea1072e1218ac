package noisefilter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAudioRejectsBelowFiveSeconds(t *testing.T) {
	th := DefaultThresholds()

	v := th.Audio(4.999, 128000)
	require.False(t, v.Accepted)
	require.Contains(t, v.Reason, "duration")

	v = th.Audio(5.0, 128000)
	require.True(t, v.Accepted)
}

func TestImageRejectsBelowMinDimensions(t *testing.T) {
	th := DefaultThresholds()
	th.ImageMinWidth, th.ImageMinHeight = 64, 64

	v := th.Image(32, 32, 1024)
	require.False(t, v.Accepted)

	v = th.Image(64, 64, 1024)
	require.True(t, v.Accepted)
}

func TestImageRejectsBelowMinSize(t *testing.T) {
	th := DefaultThresholds()
	th.ImageMinSizeBytes = 4096

	v := th.Image(1920, 1080, 1024)
	require.False(t, v.Accepted)
}

func TestVideoRejectsBelowMinResolution(t *testing.T) {
	th := DefaultThresholds()
	th.VideoMinWidth, th.VideoMinHeight = 320, 240

	v := th.Video(10, 160, 120)
	require.False(t, v.Accepted)

	v = th.Video(10, 320, 240)
	require.True(t, v.Accepted)
}

func TestTextRejectsBelowMinLength(t *testing.T) {
	th := DefaultThresholds()
	th.TextMinLength = 10

	require.False(t, th.Text(3).Accepted)
	require.True(t, th.Text(10).Accepted)
}
