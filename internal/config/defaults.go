package config

// Default returns the key table's stated defaults (spec.md §6). A loaded
// file is merged on top of this, so an omitted key always falls back to a
// sane value rather than a zeroed struct.
func Default() AppConfig {
	return AppConfig{
		Watch: WatchConfig{
			DebounceMs: 500,
			BatchSize:  100,
		},
		Pools: PoolsConfig{
			Embedding: PoolSize{Workers: 4},
			IO:        PoolSize{Workers: 8},
			Task:      PoolSize{Workers: 8},
		},
		Tasks: TasksConfig{
			MaxAttempts: 3,
			PerTypeCaps: map[string]int{},
		},
		Timeouts: TimeoutsConfig{
			EmbeddingSecs: 300,
			IOSecs:        60,
			TaskSecs:      120,
		},
		Audio: AudioConfig{
			SampleRate:   48000,
			MinDurationS: 5.0,
		},
		Video: VideoConfig{
			ShortMaxS:   6.0,
			SegmentMaxS: 5.0,
		},
		Image: ImageConfig{
			MaxLongSide: 2048,
		},
		NoiseFilter: NoiseFilterConfig{
			ImageMinWidth:      1,
			ImageMinHeight:     1,
			ImageMinSizeBytes:  1,
			VideoMinDurationS:  0,
			VideoMinWidth:      1,
			VideoMinHeight:     1,
			AudioMinDurationS:  5.0,
			AudioMinBitrateBps: 0,
			TextMinLength:      1,
		},
		Search: SearchConfig{
			OverFetch: 3.0,
			Fusion: SearchFusionConfig{
				Weights: map[string]float64{"text": 0.5, "image": 0.3, "audio": 0.2},
			},
		},
		Cache: CacheConfig{
			MaxSizeBytes: 10 << 30, // 10 GiB
			TTLSecs:      30 * 24 * 3600,
		},
	}
}
