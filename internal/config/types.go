// Package config implements the system's typed, file-backed configuration
// (C11): the key table in spec.md §6, a YAML loader/validator, and a
// ConfigHolder that hot-reloads the file in place via an fsnotify watch.
package config

import "time"

// AppConfig is the full, validated configuration tree. Every field maps to
// exactly one key table entry from spec.md §6.
type AppConfig struct {
	Watch       WatchConfig       `yaml:"watch"`
	Pools       PoolsConfig       `yaml:"pools"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Model       ModelConfig       `yaml:"model"`
	Audio       AudioConfig       `yaml:"audio"`
	Video       VideoConfig       `yaml:"video"`
	Image       ImageConfig       `yaml:"image"`
	NoiseFilter NoiseFilterConfig `yaml:"noise_filter"`
	Search      SearchConfig      `yaml:"search"`
	Cache       CacheConfig       `yaml:"cache"`
}

// WatchConfig governs scan roots and filesystem-event debouncing.
//
// Directories is the one field the reload path treats specially: adding or
// removing an entry is reconciled against the live scanner/watcher rather
// than requiring a process restart (§6's "watch.directories [is a]
// hot-reloadable key").
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	DebounceMs  int      `yaml:"debounce_ms"`
	BatchSize   int      `yaml:"batch_size"`
}

// PoolsConfig sizes the task engine's three worker pools.
type PoolsConfig struct {
	Embedding PoolSize `yaml:"embedding"`
	IO        PoolSize `yaml:"io"`
	Task      PoolSize `yaml:"task"`
}

// PoolSize is one pool's worker count.
type PoolSize struct {
	Workers int `yaml:"workers"`
}

// TasksConfig governs retry policy and per-task-type concurrency caps.
type TasksConfig struct {
	MaxAttempts int            `yaml:"max_attempts"`
	PerTypeCaps map[string]int `yaml:"per_type_caps"`
}

// TimeoutsConfig bounds how long a task may run in each pool, in seconds.
type TimeoutsConfig struct {
	EmbeddingSecs int `yaml:"embedding"`
	IOSecs        int `yaml:"io"`
	TaskSecs      int `yaml:"task"`
}

// ModelConfig describes the two model-backed families the embedding
// service loads: the shared image/video (CLIP-family) model and the
// independent audio model.
type ModelConfig struct {
	Image ModelSpec `yaml:"image"`
	Audio ModelSpec `yaml:"audio"`
}

// ModelSpec names one loadable model and its inference shape.
type ModelSpec struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Dim    int    `yaml:"dim"`
	Batch  int    `yaml:"batch"`
	Device string `yaml:"device"`
}

// AudioConfig governs audio decode/noise-filter policy.
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	MinDurationS  float64 `yaml:"min_duration_s"`
}

// VideoConfig governs video segmentation boundaries.
type VideoConfig struct {
	ShortMaxS   float64 `yaml:"short_max_s"`
	SegmentMaxS float64 `yaml:"segment_max_s"`
}

// ImageConfig governs image decode policy.
type ImageConfig struct {
	MaxLongSide int `yaml:"max_long_side"`
}

// NoiseFilterConfig holds the per-modality acceptance thresholds.
type NoiseFilterConfig struct {
	ImageMinWidth        int     `yaml:"image_min_width"`
	ImageMinHeight       int     `yaml:"image_min_height"`
	ImageMinSizeBytes    int64   `yaml:"image_min_size_bytes"`
	VideoMinDurationS    float64 `yaml:"video_min_duration_s"`
	VideoMinWidth        int     `yaml:"video_min_width"`
	VideoMinHeight       int     `yaml:"video_min_height"`
	AudioMinDurationS    float64 `yaml:"audio_min_duration_s"`
	AudioMinBitrateBps   int     `yaml:"audio_min_bitrate_bps"`
	TextMinLength        int     `yaml:"text_min_length"`
}

// SearchConfig governs the search engine's over-fetch and fusion policy.
type SearchConfig struct {
	OverFetch float64            `yaml:"over_fetch"`
	Fusion    SearchFusionConfig `yaml:"fusion"`
}

// SearchFusionConfig holds the multi-modal weight table.
type SearchFusionConfig struct {
	Weights map[string]float64 `yaml:"weights"`
}

// CacheConfig governs the content-store cache policy and, when Redis is
// configured, the search engine's query-embedding cache backend.
type CacheConfig struct {
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	TTLSecs      int    `yaml:"ttl_s"`
	RedisAddr    string `yaml:"redis_addr"` // empty selects the in-memory cache
}

// Seconds converts an integer-seconds field to a time.Duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
