package preprocess

// window is a half-open temporal slice [StartSecs, EndSecs).
type window struct {
	StartSecs float64
	EndSecs   float64
}

// fixedWindows slices [0, totalSecs) into consecutive windows no longer than
// maxLen. This is the default segmentation strategy: the engine has no true
// scene-cut detector in its dependency set, so segment boundaries fall on a
// fixed cadence instead of a shot change. A SceneSegmenter that detects real
// cuts can be substituted by anything satisfying the same signature.
func fixedWindows(totalSecs, maxLen float64) []window {
	if totalSecs <= 0 {
		return nil
	}
	if maxLen <= 0 {
		return []window{{StartSecs: 0, EndSecs: totalSecs}}
	}
	var out []window
	for start := 0.0; start < totalSecs; start += maxLen {
		end := start + maxLen
		if end > totalSecs {
			end = totalSecs
		}
		out = append(out, window{StartSecs: start, EndSecs: end})
	}
	return out
}

// SceneSegmenter produces segment boundaries for a video of the given
// duration. The default implementation is fixedWindows; a shot-boundary
// detector can be wired in its place without changing the preprocessor.
type SceneSegmenter func(totalSecs, maxLen float64) []window
