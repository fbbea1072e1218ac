package preprocess

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/mediasearch/internal/contentstore"
	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/log"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/model"
)

// Config bounds the preprocessor's segmentation and indexing-depth policy,
// sourced from the video.*, audio.*, and image.* configuration keys.
type Config struct {
	ImageMaxLongSide int // downscale threshold; 0 disables downscaling

	ShortVideoMaxSecs float64 // at or below this, a video gets one full-clip segment
	MaxSegmentSecs    float64 // upper bound on any one video/audio segment

	// BigFileCapBytes/BigFileCapSecs: a video at or beyond either ceiling is
	// only segmented and embedded for its first BigFileIndexSecs; the rest
	// is retained for playback but never indexed.
	BigFileCapBytes int64
	BigFileCapSecs  float64
	BigFileIndexSecs float64

	AudioMinDurationSecs float64 // below this, audio is low-value and skipped
	CacheTTL             time.Duration
}

// DefaultConfig returns the values named in spec.md §4.6/§6.
func DefaultConfig() Config {
	return Config{
		ImageMaxLongSide:     2048,
		ShortVideoMaxSecs:    6.0,
		MaxSegmentSecs:       5.0,
		BigFileCapBytes:      3 << 30, // 3GB
		BigFileCapSecs:       30 * 60, // 30min
		BigFileIndexSecs:     5 * 60,  // first 5min
		AudioMinDurationSecs: 5.0,
		CacheTTL:             30 * 24 * time.Hour,
	}
}

// Processor implements C6: it decodes and transcodes media through a Codec,
// writes the resulting artifacts through the content store, and records a
// PreprocessingCacheEntry so a later re-scan of the same digest can skip
// the work entirely.
type Processor struct {
	codec     Codec
	content   *contentstore.Store
	meta      *metadatastore.Store
	cfg       Config
	segmenter SceneSegmenter
}

// New constructs a Processor. segmenter may be nil to use fixedWindows.
func New(codec Codec, content *contentstore.Store, meta *metadatastore.Store, cfg Config, segmenter SceneSegmenter) *Processor {
	if segmenter == nil {
		segmenter = fixedWindows
	}
	return &Processor{codec: codec, content: content, meta: meta, cfg: cfg, segmenter: segmenter}
}

// ImageResult is the outcome of preprocessing an image SourceFile.
type ImageResult struct {
	RGB          []byte
	Width        int
	Height       int
	ThumbnailTag string // contentstore tag, empty if no thumbnail was produced
}

// ProcessImage decodes srcDigest's image for embedding and, if its long
// side exceeds the configured threshold, writes a downscaled thumbnail
// through the content store under a cached tag.
func (p *Processor) ProcessImage(ctx context.Context, d digest.Digest, path string) (ImageResult, error) {
	const op = "preprocess.process_image"

	rgb, width, height, err := p.codec.DecodeImage(ctx, path, p.cfg.ImageMaxLongSide)
	if err != nil {
		return ImageResult{}, errs.Wrap(errs.Codec, op, "decode image", err)
	}

	res := ImageResult{RGB: rgb, Width: width, Height: height}

	longSide := max(width, height)
	if p.cfg.ImageMaxLongSide > 0 && longSide >= p.cfg.ImageMaxLongSide {
		// DecodeImage caps the decoded size at the threshold, so compare the
		// source's own dimensions.
		if probe, perr := p.codec.Probe(ctx, path); perr == nil {
			longSide = max(longSide, probe.Width, probe.Height)
		}
	}
	if p.cfg.ImageMaxLongSide > 0 && longSide > p.cfg.ImageMaxLongSide {
		tag := "thumbnail"
		if _, hit, err := p.cacheHit(ctx, d, tag); err != nil {
			return ImageResult{}, err
		} else if !hit {
			if err := p.renderThumbnail(ctx, d, path, tag); err != nil {
				return ImageResult{}, err
			}
		}
		res.ThumbnailTag = tag
	}
	return res, nil
}

func (p *Processor) renderThumbnail(ctx context.Context, d digest.Digest, srcPath, tag string) error {
	const op = "preprocess.render_thumbnail"
	key := contentstore.Key{Digest: d, Tag: tag}
	dest := p.content.Path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return errs.Wrap(errs.IO, op, "create thumbnail directory", err)
	}
	if err := p.codec.Thumbnail(ctx, srcPath, dest, p.cfg.ImageMaxLongSide); err != nil {
		return errs.Wrap(errs.Codec, op, "render thumbnail", err)
	}
	return p.recordCacheEntry(ctx, d, tag, dest)
}

// VideoResult is the outcome of preprocessing a video SourceFile.
type VideoResult struct {
	Metadata model.VideoMetadata
	Segments []model.VideoSegment
}

// ProcessVideo probes fileID's video, classifies it as short or long, caps
// indexing depth for oversized files, and extracts one clip per segment
// through the content store (skipping any segment already cached).
func (p *Processor) ProcessVideo(ctx context.Context, fileID int64, d digest.Digest, path string) (VideoResult, error) {
	const op = "preprocess.process_video"

	probe, err := p.codec.Probe(ctx, path)
	if err != nil {
		return VideoResult{}, errs.Wrap(errs.Codec, op, "probe video", err)
	}

	info, statErr := os.Stat(path)
	var sizeBytes int64
	if statErr == nil {
		sizeBytes = info.Size()
	}

	capped := (p.cfg.BigFileCapBytes > 0 && sizeBytes >= p.cfg.BigFileCapBytes) ||
		(p.cfg.BigFileCapSecs > 0 && probe.DurationSecs >= p.cfg.BigFileCapSecs)

	indexedDuration := probe.DurationSecs
	if capped && p.cfg.BigFileIndexSecs > 0 && p.cfg.BigFileIndexSecs < indexedDuration {
		indexedDuration = p.cfg.BigFileIndexSecs
	}

	isShort := probe.DurationSecs <= p.cfg.ShortVideoMaxSecs

	var windows []window
	if isShort {
		windows = []window{{StartSecs: 0, EndSecs: probe.DurationSecs}}
	} else {
		windows = p.segmenter(indexedDuration, p.cfg.MaxSegmentSecs)
	}

	segments := make([]model.VideoSegment, 0, len(windows))
	for i, w := range windows {
		tag := fmt.Sprintf("video-segment-%04d", i)
		if _, hit, err := p.cacheHit(ctx, d, tag); err != nil {
			return VideoResult{}, err
		} else if !hit {
			if err := p.extractVideoSegment(ctx, d, path, w, tag); err != nil {
				return VideoResult{}, err
			}
		}
		segments = append(segments, model.VideoSegment{
			FileID:     fileID,
			Index:      i,
			StartSecs:  w.StartSecs,
			EndSecs:    w.EndSecs,
			IsFullClip: isShort,
		})
	}

	meta := model.VideoMetadata{
		FileID:              fileID,
		DurationSecs:        probe.DurationSecs,
		FrameRate:           probe.FrameRate,
		Width:               probe.Width,
		Height:              probe.Height,
		SegmentCount:        len(segments),
		IsShortVideo:        isShort,
		Capped:              capped,
		IndexedDurationSecs: indexedDuration,
	}
	return VideoResult{Metadata: meta, Segments: segments}, nil
}

func (p *Processor) extractVideoSegment(ctx context.Context, d digest.Digest, srcPath string, w window, tag string) error {
	const op = "preprocess.extract_video_segment"
	key := contentstore.Key{Digest: d, Tag: tag}
	dest := p.content.Path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return errs.Wrap(errs.IO, op, "create segment directory", err)
	}
	if err := p.codec.ExtractVideoSegment(ctx, srcPath, w.StartSecs, w.EndSecs, dest); err != nil {
		return errs.Wrap(errs.Codec, op, "extract video segment", err)
	}
	return p.recordCacheEntry(ctx, d, tag, dest)
}

// AudioResult is the outcome of preprocessing an audio SourceFile.
type AudioResult struct {
	LowValue bool // true when the file was rejected by the duration rule
	Segments []model.AudioSegment
}

// ProcessAudio applies the under-5s low-value rule before any resampling work,
// then splits qualifying audio into fixed-length segments, resampling each
// to 48kHz mono through the content store.
func (p *Processor) ProcessAudio(ctx context.Context, fileID int64, d digest.Digest, path string) (AudioResult, error) {
	const op = "preprocess.process_audio"

	probe, err := p.codec.Probe(ctx, path)
	if err != nil {
		return AudioResult{}, errs.Wrap(errs.Codec, op, "probe audio", err)
	}

	if probe.DurationSecs < p.cfg.AudioMinDurationSecs {
		return AudioResult{LowValue: true}, nil
	}

	windows := p.segmenter(probe.DurationSecs, p.cfg.MaxSegmentSecs)
	segments := make([]model.AudioSegment, 0, len(windows))
	for i, w := range windows {
		tag := fmt.Sprintf("audio-segment-%04d", i)
		if _, hit, err := p.cacheHit(ctx, d, tag); err != nil {
			return AudioResult{}, err
		} else if !hit {
			if err := p.extractAudioSegment(ctx, d, path, w, tag); err != nil {
				return AudioResult{}, err
			}
		}
		segments = append(segments, model.AudioSegment{
			FileID:    fileID,
			Index:     i,
			StartSecs: w.StartSecs,
			EndSecs:   w.EndSecs,
		})
	}
	return AudioResult{Segments: segments}, nil
}

func (p *Processor) extractAudioSegment(ctx context.Context, d digest.Digest, srcPath string, w window, tag string) error {
	const op = "preprocess.extract_audio_segment"
	samples, err := p.codec.ExtractAudioPCM(ctx, srcPath, w.StartSecs, w.EndSecs)
	if err != nil {
		return errs.Wrap(errs.Codec, op, "extract audio pcm", err)
	}
	key := contentstore.Key{Digest: d, Tag: tag}
	if _, err := p.content.Put(key, float32LEBytes(samples), p.cfg.CacheTTL); err != nil {
		return errs.Wrap(errs.IO, op, "write resampled audio", err)
	}
	return p.recordCacheEntry(ctx, d, tag, p.content.Path(key))
}

// cacheHit checks the metadata store for an existing cache entry and, if
// found, refreshes its access time so the sweep never reaps a still-useful
// artifact.
func (p *Processor) cacheHit(ctx context.Context, d digest.Digest, tag string) (*model.PreprocessingCacheEntry, bool, error) {
	entry, err := p.meta.GetCacheEntry(ctx, d.String(), tag)
	if errs.Is(err, errs.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.IO, "preprocess.cache_hit", "lookup cache entry", err)
	}
	if err := p.meta.TouchCacheEntry(ctx, d.String(), tag); err != nil {
		log.L().Warn().Err(err).Str("digest", d.String()).Str("tag", tag).Msg("preprocess: touch cache entry failed")
	}
	if err := p.content.TouchCacheMeta(contentstore.Key{Digest: d, Tag: tag}); err != nil {
		log.L().Debug().Err(err).Str("digest", d.String()).Str("tag", tag).Msg("preprocess: touch content cache meta failed")
	}
	return entry, true, nil
}

func (p *Processor) recordCacheEntry(ctx context.Context, d digest.Digest, tag, path string) error {
	size := int64(0)
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	entry := model.PreprocessingCacheEntry{
		Digest:     d.String(),
		Tag:        tag,
		Path:       path,
		Size:       size,
		LastAccess: time.Now(),
		TTL:        p.cfg.CacheTTL,
	}
	if err := p.meta.UpsertCacheEntry(ctx, entry); err != nil {
		return errs.Wrap(errs.IO, "preprocess.record_cache_entry", "upsert cache entry", err)
	}
	key := contentstore.Key{Digest: d, Tag: tag}
	if err := p.content.RecordCacheMeta(key, path, size, p.cfg.CacheTTL); err != nil {
		log.L().Warn().Err(err).Str("digest", d.String()).Str("tag", tag).Msg("preprocess: record content cache meta failed")
	}
	return nil
}

func float32LEBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		bits := math.Float32bits(s)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}
