package config

import (
	"fmt"

	"github.com/ManuGH/mediasearch/internal/errs"
)

// Validate rejects a configuration that would leave the system unable to
// start or that contradicts an invariant the rest of the system assumes
// (positive worker counts, non-negative fusion weights, etc.). It does not
// check that the fusion weight table covers every modality.
func Validate(c AppConfig) error {
	const op = "config.validate"

	if len(c.Watch.Directories) == 0 {
		return errs.New(errs.Config, op, "watch.directories must name at least one root")
	}
	if c.Watch.DebounceMs < 0 {
		return errs.New(errs.Config, op, "watch.debounce_ms must not be negative")
	}
	if c.Watch.BatchSize <= 0 {
		return errs.New(errs.Config, op, "watch.batch_size must be positive")
	}

	if c.Pools.Embedding.Workers <= 0 {
		return errs.New(errs.Config, op, "pools.embedding.workers must be positive")
	}
	if c.Pools.IO.Workers <= 0 {
		return errs.New(errs.Config, op, "pools.io.workers must be positive")
	}
	if c.Pools.Task.Workers <= 0 {
		return errs.New(errs.Config, op, "pools.task.workers must be positive")
	}

	if c.Tasks.MaxAttempts <= 0 {
		return errs.New(errs.Config, op, "tasks.max_attempts must be positive")
	}

	if c.Timeouts.EmbeddingSecs <= 0 || c.Timeouts.IOSecs <= 0 || c.Timeouts.TaskSecs <= 0 {
		return errs.New(errs.Config, op, "timeouts.{embedding,io,task} must all be positive")
	}

	if c.Audio.SampleRate <= 0 {
		return errs.New(errs.Config, op, "audio.sample_rate must be positive")
	}
	if c.Audio.MinDurationS < 0 {
		return errs.New(errs.Config, op, "audio.min_duration_s must not be negative")
	}

	if c.Video.ShortMaxS <= 0 {
		return errs.New(errs.Config, op, "video.short_max_s must be positive")
	}
	if c.Video.SegmentMaxS <= 0 {
		return errs.New(errs.Config, op, "video.segment_max_s must be positive")
	}

	if c.Image.MaxLongSide < 0 {
		return errs.New(errs.Config, op, "image.max_long_side must not be negative")
	}

	if c.Search.OverFetch < 1 {
		return errs.New(errs.Config, op, "search.over_fetch must be at least 1")
	}
	for modality, weight := range c.Search.Fusion.Weights {
		if weight < 0 {
			return errs.New(errs.Config, op, fmt.Sprintf("search.fusion.weights.%s must not be negative", modality))
		}
	}

	if c.Cache.MaxSizeBytes < 0 {
		return errs.New(errs.Config, op, "cache.max_size_bytes must not be negative")
	}
	if c.Cache.TTLSecs < 0 {
		return errs.New(errs.Config, op, "cache.ttl_s must not be negative")
	}

	return nil
}
