package refbackend

import (
	"context"

	"github.com/ManuGH/mediasearch/internal/embedding"
)

// Audio hashes fixed-size windows of a float32 waveform, already resampled
// to sampleRate by the time it reaches EmbedAudio, into a fixed-dimension
// vector.
type Audio struct {
	dim        int
	sampleRate int
	windows    int
}

// NewAudio returns an Audio backend expecting sampleRate-Hz mono input and
// producing dim-length vectors.
func NewAudio(dim, sampleRate, windows int) *Audio {
	if windows <= 0 {
		windows = 64
	}
	return &Audio{dim: dim, sampleRate: sampleRate, windows: windows}
}

func (a *Audio) Dimension() int  { return a.dim }
func (a *Audio) SampleRate() int { return a.sampleRate }

func (a *Audio) Warmup(ctx context.Context) error { return nil }

func (a *Audio) EmbedAudio(ctx context.Context, waveform []float32) (embedding.Vector, error) {
	buf := make([]byte, 0, len(waveform)*4)
	for _, s := range waveform {
		buf = append(buf, float32Bytes(s)...)
	}
	return hashProject(a.dim, byteWindows(buf, a.windows)), nil
}
