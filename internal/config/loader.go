package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/mediasearch/internal/errs"
)

// Loader reads AppConfig from a YAML file on disk.
type Loader struct {
	path string
}

// NewLoader constructs a Loader for the file at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads the configured file and merges it over Default(). It does not
// call Validate; callers validate the result themselves. A missing file is
// not an error: Default() alone is returned, letting a first run start from
// the stated defaults.
func (l *Loader) Load() (AppConfig, error) {
	const op = "config.load"

	cfg := Default()
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return AppConfig{}, errs.Wrap(errs.IO, op, "read config file", err)
	}

	var fromFile AppConfig
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return AppConfig{}, errs.Wrap(errs.Config, op, "parse config yaml", err)
	}

	merge(&cfg, fromFile)
	return cfg, nil
}

// merge overlays the non-zero fields of in onto base, so an omitted key in
// the file keeps the default computed by Default() rather than zeroing it
// out. Maps are merged key-by-key; every other field is scalar-overwritten
// when non-zero.
func merge(base *AppConfig, in AppConfig) {
	if len(in.Watch.Directories) > 0 {
		base.Watch.Directories = in.Watch.Directories
	}
	if in.Watch.DebounceMs != 0 {
		base.Watch.DebounceMs = in.Watch.DebounceMs
	}
	if in.Watch.BatchSize != 0 {
		base.Watch.BatchSize = in.Watch.BatchSize
	}

	if in.Pools.Embedding.Workers != 0 {
		base.Pools.Embedding.Workers = in.Pools.Embedding.Workers
	}
	if in.Pools.IO.Workers != 0 {
		base.Pools.IO.Workers = in.Pools.IO.Workers
	}
	if in.Pools.Task.Workers != 0 {
		base.Pools.Task.Workers = in.Pools.Task.Workers
	}

	if in.Tasks.MaxAttempts != 0 {
		base.Tasks.MaxAttempts = in.Tasks.MaxAttempts
	}
	for k, v := range in.Tasks.PerTypeCaps {
		if base.Tasks.PerTypeCaps == nil {
			base.Tasks.PerTypeCaps = map[string]int{}
		}
		base.Tasks.PerTypeCaps[k] = v
	}

	if in.Timeouts.EmbeddingSecs != 0 {
		base.Timeouts.EmbeddingSecs = in.Timeouts.EmbeddingSecs
	}
	if in.Timeouts.IOSecs != 0 {
		base.Timeouts.IOSecs = in.Timeouts.IOSecs
	}
	if in.Timeouts.TaskSecs != 0 {
		base.Timeouts.TaskSecs = in.Timeouts.TaskSecs
	}

	mergeModelSpec(&base.Model.Image, in.Model.Image)
	mergeModelSpec(&base.Model.Audio, in.Model.Audio)

	if in.Audio.SampleRate != 0 {
		base.Audio.SampleRate = in.Audio.SampleRate
	}
	if in.Audio.MinDurationS != 0 {
		base.Audio.MinDurationS = in.Audio.MinDurationS
	}

	if in.Video.ShortMaxS != 0 {
		base.Video.ShortMaxS = in.Video.ShortMaxS
	}
	if in.Video.SegmentMaxS != 0 {
		base.Video.SegmentMaxS = in.Video.SegmentMaxS
	}

	if in.Image.MaxLongSide != 0 {
		base.Image.MaxLongSide = in.Image.MaxLongSide
	}

	mergeNoiseFilter(&base.NoiseFilter, in.NoiseFilter)

	if in.Search.OverFetch != 0 {
		base.Search.OverFetch = in.Search.OverFetch
	}
	for k, v := range in.Search.Fusion.Weights {
		if base.Search.Fusion.Weights == nil {
			base.Search.Fusion.Weights = map[string]float64{}
		}
		base.Search.Fusion.Weights[k] = v
	}

	if in.Cache.MaxSizeBytes != 0 {
		base.Cache.MaxSizeBytes = in.Cache.MaxSizeBytes
	}
	if in.Cache.TTLSecs != 0 {
		base.Cache.TTLSecs = in.Cache.TTLSecs
	}
	if in.Cache.RedisAddr != "" {
		base.Cache.RedisAddr = in.Cache.RedisAddr
	}
}

func mergeModelSpec(base *ModelSpec, in ModelSpec) {
	if in.Name != "" {
		base.Name = in.Name
	}
	if in.Path != "" {
		base.Path = in.Path
	}
	if in.Dim != 0 {
		base.Dim = in.Dim
	}
	if in.Batch != 0 {
		base.Batch = in.Batch
	}
	if in.Device != "" {
		base.Device = in.Device
	}
}

func mergeNoiseFilter(base *NoiseFilterConfig, in NoiseFilterConfig) {
	if in.ImageMinWidth != 0 {
		base.ImageMinWidth = in.ImageMinWidth
	}
	if in.ImageMinHeight != 0 {
		base.ImageMinHeight = in.ImageMinHeight
	}
	if in.ImageMinSizeBytes != 0 {
		base.ImageMinSizeBytes = in.ImageMinSizeBytes
	}
	if in.VideoMinDurationS != 0 {
		base.VideoMinDurationS = in.VideoMinDurationS
	}
	if in.VideoMinWidth != 0 {
		base.VideoMinWidth = in.VideoMinWidth
	}
	if in.VideoMinHeight != 0 {
		base.VideoMinHeight = in.VideoMinHeight
	}
	if in.AudioMinDurationS != 0 {
		base.AudioMinDurationS = in.AudioMinDurationS
	}
	if in.AudioMinBitrateBps != 0 {
		base.AudioMinBitrateBps = in.AudioMinBitrateBps
	}
	if in.TextMinLength != 0 {
		base.TextMinLength = in.TextMinLength
	}
}
