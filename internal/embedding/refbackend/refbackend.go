// Package refbackend is the embedding service's shipped-by-default backend
// implementation. No ONNX/TensorFlow/torch runtime is wired into this
// module (none of the retrieval pack's dependency surface offers one), so
// rather than leave C4's interfaces unimplemented, this package gives every
// modality a real, deterministic embedding computed by the hashing trick:
// tokens or fixed-size byte windows are hashed with xxhash and scattered
// into a fixed-dimension accumulator, the same technique vowpal-wabbit-
// style feature hashing uses to avoid a vocabulary table. It produces
// vectors that are stable, collision-bounded, and cheap enough to run
// Warmup against on every process start — exactly the contract C4 asks of
// a backend, just without semantic relevance learned from training.
//
// A deployment that needs learned relevance swaps in its own TextBackend /
// ImageBackend / AudioBackend / VideoBackend, typically a thin client
// against an external inference server; none of embedding.Service's
// plumbing changes when it does.
package refbackend

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/ManuGH/mediasearch/internal/embedding"
)

// hashProject scatters windows across dim buckets using xxhash and returns
// the resulting accumulator. Each window is hashed once: the hash modulo dim
// picks the bucket, and the hash's top bit picks the sign of the ±1
// contribution, so that unrelated inputs don't all push buckets in the same
// direction (plain modulo hashing would bias the mean).
func hashProject(dim int, windows [][]byte) embedding.Vector {
	out := make(embedding.Vector, dim)
	if dim == 0 {
		return out
	}
	for _, w := range windows {
		h := xxhash.Sum64(w)
		bucket := int(h % uint64(dim))
		sign := float32(1)
		if (h>>63)&1 == 1 {
			sign = -1
		}
		out[bucket] += sign
	}
	return out
}

// byteWindows splits b into count roughly equal, overlapping-free slices,
// used to turn a single blob (an image's raw RGB, a waveform) into several
// independent hash inputs instead of one, which would collapse every input
// of the same length onto a single bucket pattern.
func byteWindows(b []byte, count int) [][]byte {
	if count <= 0 || len(b) == 0 {
		return nil
	}
	windows := make([][]byte, 0, count)
	step := len(b) / count
	if step == 0 {
		return [][]byte{b}
	}
	for i := 0; i < count; i++ {
		start := i * step
		end := start + step
		if i == count-1 {
			end = len(b)
		}
		windows = append(windows, b[start:end])
	}
	return windows
}

func float32Bytes(f float32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
	return buf[:]
}
