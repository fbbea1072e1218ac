package refbackend

import (
	"context"

	"github.com/ManuGH/mediasearch/internal/embedding"
)

// Image hashes fixed-size windows of raw RGB bytes, plus the decoded
// width/height themselves, into a fixed-dimension vector. Including the
// dimensions keeps two identically-hashed crops of very different aspect
// ratios from landing on the same vector.
type Image struct {
	dim     int
	windows int
}

// NewImage returns an Image backend producing dim-length vectors, hashing
// the pixel buffer in windows equal-size chunks.
func NewImage(dim, windows int) *Image {
	if windows <= 0 {
		windows = 32
	}
	return &Image{dim: dim, windows: windows}
}

func (im *Image) Dimension() int { return im.dim }

func (im *Image) Warmup(ctx context.Context) error { return nil }

func (im *Image) EmbedImage(ctx context.Context, rgb []byte, width, height int) (embedding.Vector, error) {
	windows := byteWindows(rgb, im.windows)
	windows = append(windows, float32Bytes(float32(width)), float32Bytes(float32(height)))
	return hashProject(im.dim, windows), nil
}
