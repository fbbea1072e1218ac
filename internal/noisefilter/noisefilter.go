// Package noisefilter implements the per-modality reject/accept predicates
// of C5. Every predicate runs before any embedding task is enqueued; a
// rejection is recorded on the SourceFile row and logged, never silently
// dropped.
package noisefilter

import "fmt"

// Verdict is the outcome of a noise-filter predicate.
type Verdict struct {
	Accepted bool
	Reason   string // empty when Accepted
}

func accept() Verdict           { return Verdict{Accepted: true} }
func reject(reason string) Verdict { return Verdict{Accepted: false, Reason: reason} }

// Thresholds holds the per-modality configuration the predicates compare
// against, sourced from the noise_filter.* configuration keys.
type Thresholds struct {
	ImageMinWidth     int
	ImageMinHeight    int
	ImageMinSizeBytes int64

	VideoMinDurationSecs float64
	VideoMinWidth        int
	VideoMinHeight       int

	// AudioMinDurationSecs is the hardest rule in the filter: audio shorter
	// than this length is considered to have no retrieval value and is
	// rejected before any model-level classification runs, so the system
	// never burns inference compute on it.
	AudioMinDurationSecs float64
	AudioMinBitrateBps   int

	TextMinLength int
}

// DefaultThresholds returns the values named in spec.md §4.5/§6.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ImageMinWidth:        1,
		ImageMinHeight:       1,
		ImageMinSizeBytes:    1,
		VideoMinDurationSecs: 0,
		VideoMinWidth:        1,
		VideoMinHeight:       1,
		AudioMinDurationSecs: 5.0,
		AudioMinBitrateBps:   0,
		TextMinLength:        1,
	}
}

// Image evaluates an image candidate.
func (t Thresholds) Image(width, height int, sizeBytes int64) Verdict {
	if width < t.ImageMinWidth || height < t.ImageMinHeight {
		return reject(fmt.Sprintf("image dimensions %dx%d below minimum %dx%d", width, height, t.ImageMinWidth, t.ImageMinHeight))
	}
	if sizeBytes < t.ImageMinSizeBytes {
		return reject(fmt.Sprintf("image size %d bytes below minimum %d", sizeBytes, t.ImageMinSizeBytes))
	}
	return accept()
}

// Video evaluates a video candidate. Short videos (§4.6) are always
// accepted by this predicate; the short-video classification happens
// downstream in the preprocessor, not here.
func (t Thresholds) Video(durationSecs float64, width, height int) Verdict {
	if durationSecs < t.VideoMinDurationSecs {
		return reject(fmt.Sprintf("video duration %.2fs below minimum %.2fs", durationSecs, t.VideoMinDurationSecs))
	}
	if width < t.VideoMinWidth || height < t.VideoMinHeight {
		return reject(fmt.Sprintf("video resolution %dx%d below minimum %dx%d", width, height, t.VideoMinWidth, t.VideoMinHeight))
	}
	return accept()
}

// Audio evaluates an audio candidate. This is the hardest decision rule in
// the filter: anything shorter than AudioMinDurationSecs is rejected before
// any other audio feature is computed.
func (t Thresholds) Audio(durationSecs float64, bitrateBps int) Verdict {
	if durationSecs < t.AudioMinDurationSecs {
		return reject(fmt.Sprintf("audio duration %.2fs below minimum %.2fs", durationSecs, t.AudioMinDurationSecs))
	}
	if bitrateBps < t.AudioMinBitrateBps {
		return reject(fmt.Sprintf("audio bitrate %d below minimum %d", bitrateBps, t.AudioMinBitrateBps))
	}
	return accept()
}

// Text evaluates a text candidate.
func (t Thresholds) Text(length int) Verdict {
	if length < t.TextMinLength {
		return reject(fmt.Sprintf("text length %d below minimum %d", length, t.TextMinLength))
	}
	return accept()
}
