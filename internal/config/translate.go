package config

import (
	"time"

	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/noisefilter"
	"github.com/ManuGH/mediasearch/internal/preprocess"
	"github.com/ManuGH/mediasearch/internal/scanner"
	"github.com/ManuGH/mediasearch/internal/search"
	"github.com/ManuGH/mediasearch/internal/taskengine"
)

// ToScannerConfig projects the watch.* keys onto scanner.Config. Extension
// routing and exclude patterns are not part of the key table and keep the
// scanner's own defaults.
func (c AppConfig) ToScannerConfig() scanner.Config {
	base := scanner.DefaultConfig()
	base.Roots = append([]string(nil), c.Watch.Directories...)
	if c.Watch.DebounceMs > 0 {
		base.DebounceWindow = time.Duration(c.Watch.DebounceMs) * time.Millisecond
	}
	if c.Watch.BatchSize > 0 {
		base.BatchSize = c.Watch.BatchSize
	}
	return base
}

// ToTaskEngineConfig projects the pools.*/timeouts.* keys and
// tasks.per_type_caps onto taskengine.Config. tasks.max_attempts is not
// projected; taskengine.Config has no field for it.
func (c AppConfig) ToTaskEngineConfig() taskengine.Config {
	base := taskengine.DefaultConfig()
	if c.Pools.Embedding.Workers > 0 {
		base.EmbeddingWorkers = c.Pools.Embedding.Workers
	}
	if c.Pools.IO.Workers > 0 {
		base.IOWorkers = c.Pools.IO.Workers
	}
	if c.Pools.Task.Workers > 0 {
		base.TaskWorkers = c.Pools.Task.Workers
	}
	if c.Timeouts.EmbeddingSecs > 0 {
		base.EmbeddingTimeout = Seconds(c.Timeouts.EmbeddingSecs)
	}
	if c.Timeouts.IOSecs > 0 {
		base.IOTimeout = Seconds(c.Timeouts.IOSecs)
	}
	if c.Timeouts.TaskSecs > 0 {
		base.TaskTimeout = Seconds(c.Timeouts.TaskSecs)
	}
	if len(c.Tasks.PerTypeCaps) > 0 {
		caps := make(map[model.TaskType]int, len(c.Tasks.PerTypeCaps))
		for k, v := range c.Tasks.PerTypeCaps {
			caps[model.TaskType(k)] = v
		}
		base.TypeCap = caps
	}
	return base
}

// ToPreprocessConfig projects the audio.*/video.*/image.* keys onto
// preprocess.Config. Big-file caps are not part of the key table and keep
// the preprocessor's own defaults.
func (c AppConfig) ToPreprocessConfig() preprocess.Config {
	base := preprocess.DefaultConfig()
	if c.Image.MaxLongSide > 0 {
		base.ImageMaxLongSide = c.Image.MaxLongSide
	}
	if c.Video.ShortMaxS > 0 {
		base.ShortVideoMaxSecs = c.Video.ShortMaxS
	}
	if c.Video.SegmentMaxS > 0 {
		base.MaxSegmentSecs = c.Video.SegmentMaxS
	}
	if c.Audio.MinDurationS > 0 {
		base.AudioMinDurationSecs = c.Audio.MinDurationS
	}
	return base
}

// ToNoiseFilterThresholds projects noise_filter.* onto noisefilter.Thresholds.
func (c AppConfig) ToNoiseFilterThresholds() noisefilter.Thresholds {
	nf := c.NoiseFilter
	return noisefilter.Thresholds{
		ImageMinWidth:        nf.ImageMinWidth,
		ImageMinHeight:       nf.ImageMinHeight,
		ImageMinSizeBytes:    nf.ImageMinSizeBytes,
		VideoMinDurationSecs: nf.VideoMinDurationS,
		VideoMinWidth:        nf.VideoMinWidth,
		VideoMinHeight:       nf.VideoMinHeight,
		AudioMinDurationSecs: nf.AudioMinDurationS,
		AudioMinBitrateBps:   nf.AudioMinBitrateBps,
		TextMinLength:        nf.TextMinLength,
	}
}

// ToSearchConfig projects search.* onto search.Config.
func (c AppConfig) ToSearchConfig() search.Config {
	base := search.DefaultConfig()
	if c.Search.OverFetch > 0 {
		base.OverFetch = c.Search.OverFetch
	}
	if len(c.Search.Fusion.Weights) > 0 {
		base.Weights = c.Search.Fusion.Weights
	}
	return base
}
