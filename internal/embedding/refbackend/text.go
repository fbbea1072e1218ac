package refbackend

import (
	"context"
	"strings"

	"github.com/ManuGH/mediasearch/internal/embedding"
)

// Text hashes whitespace-split tokens into a fixed-dimension vector, one
// bucket contribution per token. Warmup is a no-op: there is no model file
// to load, only the hash function itself, which needs no initialization.
type Text struct {
	dim       int
	batchSize int
}

// NewText returns a Text backend producing dim-length vectors. batchSize is
// only reported back by BatchSize: the hashing trick has no batching
// benefit, and EmbedText embeds every text it is given in a single call.
func NewText(dim, batchSize int) *Text {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Text{dim: dim, batchSize: batchSize}
}

func (t *Text) Dimension() int { return t.dim }
func (t *Text) BatchSize() int { return t.batchSize }

func (t *Text) Warmup(ctx context.Context) error { return nil }

func (t *Text) EmbedText(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	out := make([]embedding.Vector, len(texts))
	for i, text := range texts {
		tokens := strings.Fields(text)
		windows := make([][]byte, len(tokens))
		for j, tok := range tokens {
			windows[j] = []byte(tok)
		}
		out[i] = hashProject(t.dim, windows)
	}
	return out, nil
}
