// Package embedding implements the polymorphic embedding service (C4): a
// thin, rate-limited façade in front of per-modality backing models. The
// service itself never talks to an accelerator; it normalizes input,
// enforces the model's declared limits, paces inference calls against the
// embedding worker pool's capacity, and fails fast with errs.ModelNotReady
// before ever attempting a call against a model that hasn't finished
// loading.
package embedding

import (
	"context"
	"math"
	"strings"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/model"
)

// Vector is an L2-normalized embedding.
type Vector []float32

// TextBackend embeds one or more normalized strings.
type TextBackend interface {
	Dimension() int
	BatchSize() int
	Warmup(ctx context.Context) error
	EmbedText(ctx context.Context, texts []string) ([]Vector, error)
}

// ImageBackend embeds a single decoded RGB image.
type ImageBackend interface {
	Dimension() int
	Warmup(ctx context.Context) error
	EmbedImage(ctx context.Context, rgb []byte, width, height int) (Vector, error)
}

// AudioBackend embeds a waveform already resampled to SampleRate.
type AudioBackend interface {
	Dimension() int
	SampleRate() int
	Warmup(ctx context.Context) error
	EmbedAudio(ctx context.Context, waveform []float32) (Vector, error)
}

// VideoBackend embeds a segment of video directly, when the model accepts
// video natively rather than requiring frame pooling.
type VideoBackend interface {
	Dimension() int
	Warmup(ctx context.Context) error
	EmbedVideoSegment(ctx context.Context, videoPath string, startSecs, endSecs float64) (Vector, error)
}

// FrameSampler extracts uniformly-spaced RGB frames from a video segment,
// used as the fallback path when the configured video backend does not
// implement VideoBackend directly.
type FrameSampler interface {
	SampleFrames(ctx context.Context, videoPath string, startSecs, endSecs float64, count int) ([]Frame, error)
}

// Frame is one decoded RGB frame.
type Frame struct {
	RGB    []byte
	Width  int
	Height int
}

// Config bounds the token/length limits and inference concurrency the
// service enforces independent of any one backend.
type Config struct {
	TextTokenLimit      int
	FramePoolSampleSize int // frames sampled per segment when pooling
	InferenceRate       rate.Limit
	InferenceBurst      int
}

// DefaultConfig returns the service's stated defaults.
func DefaultConfig() Config {
	return Config{
		TextTokenLimit:      256,
		FramePoolSampleSize: 8,
		InferenceRate:       rate.Inf,
		InferenceBurst:      1,
	}
}

// Service is the embedding façade used by the preprocessor and search
// engine. Backends are optional; a nil backend means that modality is
// unsupported in the current deployment and every call against it fails
// with errs.ModelNotReady.
type Service struct {
	cfg     Config
	text    TextBackend
	image   ImageBackend
	audio   AudioBackend
	video   VideoBackend
	sampler FrameSampler
	limiter *rate.Limiter

	ready atomic.Bool
}

// New constructs a Service. Backends left nil disable that modality.
func New(cfg Config, text TextBackend, image ImageBackend, audio AudioBackend, video VideoBackend, sampler FrameSampler) *Service {
	return &Service{
		cfg:     cfg,
		text:    text,
		image:   image,
		audio:   audio,
		video:   video,
		sampler: sampler,
		limiter: rate.NewLimiter(cfg.InferenceRate, cfg.InferenceBurst),
	}
}

// Warmup runs one dummy inference per loaded backend so the first
// real request is not stalled behind lazy model initialization, then
// marks the service ready.
func (s *Service) Warmup(ctx context.Context) error {
	if s.text != nil {
		if err := s.text.Warmup(ctx); err != nil {
			return errs.Wrap(errs.ModelNotReady, "embedding.warmup", "text backend warmup failed", err)
		}
	}
	if s.image != nil {
		if err := s.image.Warmup(ctx); err != nil {
			return errs.Wrap(errs.ModelNotReady, "embedding.warmup", "image backend warmup failed", err)
		}
	}
	if s.audio != nil {
		if err := s.audio.Warmup(ctx); err != nil {
			return errs.Wrap(errs.ModelNotReady, "embedding.warmup", "audio backend warmup failed", err)
		}
	}
	if s.video != nil {
		if err := s.video.Warmup(ctx); err != nil {
			return errs.Wrap(errs.ModelNotReady, "embedding.warmup", "video backend warmup failed", err)
		}
	}
	s.ready.Store(true)
	return nil
}

// Ready reports whether Warmup has completed successfully.
func (s *Service) Ready() bool { return s.ready.Load() }

func (s *Service) checkReady(op string) error {
	if !s.ready.Load() {
		return errs.New(errs.ModelNotReady, op, "embedding service has not completed warmup")
	}
	return nil
}

func (s *Service) throttle(ctx context.Context, op string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errs.Wrap(errs.Cancelled, op, "inference rate limiter wait cancelled", err)
	}
	return nil
}

// EmbedText normalizes whitespace and Unicode form, truncates at the
// model's token limit (approximated here as a rune budget, since no
// tokenizer is wired), and returns one L2-normalized vector per input.
func (s *Service) EmbedText(ctx context.Context, texts []string) ([]Vector, error) {
	const op = "embedding.embed_text"
	if err := s.checkReady(op); err != nil {
		return nil, err
	}
	if s.text == nil {
		return nil, errs.New(errs.ModelNotReady, op, "no text backend configured")
	}
	if err := s.throttle(ctx, op); err != nil {
		return nil, err
	}

	normalized := make([]string, len(texts))
	for i, t := range texts {
		normalized[i] = truncateRunes(normalizeText(t), s.cfg.TextTokenLimit)
	}

	vecs, err := s.text.EmbedText(ctx, normalized)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, "text backend inference failed", err)
	}
	for i := range vecs {
		l2Normalize(vecs[i])
	}
	return vecs, nil
}

// EmbedImage embeds one already-decoded RGB image.
func (s *Service) EmbedImage(ctx context.Context, rgb []byte, width, height int) (Vector, error) {
	const op = "embedding.embed_image"
	if err := s.checkReady(op); err != nil {
		return nil, err
	}
	if s.image == nil {
		return nil, errs.New(errs.ModelNotReady, op, "no image backend configured")
	}
	if err := s.throttle(ctx, op); err != nil {
		return nil, err
	}
	vec, err := s.image.EmbedImage(ctx, rgb, width, height)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, "image backend inference failed", err)
	}
	l2Normalize(vec)
	return vec, nil
}

// EmbedAudio resamples the waveform to the backend's required rate,
// mono-mixes multichannel input, and embeds the result.
func (s *Service) EmbedAudio(ctx context.Context, waveform []float32, sampleRate int, channels int) (Vector, error) {
	const op = "embedding.embed_audio"
	if err := s.checkReady(op); err != nil {
		return nil, err
	}
	if s.audio == nil {
		return nil, errs.New(errs.ModelNotReady, op, "no audio backend configured")
	}
	if err := s.throttle(ctx, op); err != nil {
		return nil, err
	}

	mixed := monoMix(waveform, channels)
	resampled := mixed
	if sampleRate != s.audio.SampleRate() {
		resampled = linearResample(mixed, sampleRate, s.audio.SampleRate())
	}

	vec, err := s.audio.EmbedAudio(ctx, resampled)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, "audio backend inference failed", err)
	}
	l2Normalize(vec)
	return vec, nil
}

// EmbedVideoSegment embeds videoPath[startSecs:endSecs], preferring a
// direct video backend when configured and falling back to temporal
// pooling of uniformly sampled frame embeddings otherwise. The choice is
// internal, matching spec's "chooses internally, not exposed" contract.
func (s *Service) EmbedVideoSegment(ctx context.Context, videoPath string, startSecs, endSecs float64) (Vector, error) {
	const op = "embedding.embed_video_segment"
	if err := s.checkReady(op); err != nil {
		return nil, err
	}
	if err := s.throttle(ctx, op); err != nil {
		return nil, err
	}

	if s.video != nil {
		vec, err := s.video.EmbedVideoSegment(ctx, videoPath, startSecs, endSecs)
		if err != nil {
			return nil, errs.Wrap(errs.IO, op, "video backend inference failed", err)
		}
		l2Normalize(vec)
		return vec, nil
	}

	if s.image == nil || s.sampler == nil {
		return nil, errs.New(errs.ModelNotReady, op, "no video backend and no frame-pooling fallback configured")
	}
	frames, err := s.sampler.SampleFrames(ctx, videoPath, startSecs, endSecs, s.cfg.FramePoolSampleSize)
	if err != nil {
		return nil, errs.Wrap(errs.Codec, op, "frame sampling failed", err)
	}
	if len(frames) == 0 {
		return nil, errs.New(errs.Codec, op, "no frames sampled from segment")
	}

	pooled := make(Vector, s.image.Dimension())
	for _, f := range frames {
		vec, err := s.image.EmbedImage(ctx, f.RGB, f.Width, f.Height)
		if err != nil {
			return nil, errs.Wrap(errs.IO, op, "frame embedding failed", err)
		}
		for i := range pooled {
			if i < len(vec) {
				pooled[i] += vec[i]
			}
		}
	}
	for i := range pooled {
		pooled[i] /= float32(len(frames))
	}
	l2Normalize(pooled)
	return pooled, nil
}

// ModalityReady reports whether the backend for modality has finished
// warmup, used by health() (§6) to report per-modality readiness.
func (s *Service) ModalityReady(m model.Modality) bool {
	if !s.ready.Load() {
		return false
	}
	switch m {
	case model.ModalityText:
		return s.text != nil
	case model.ModalityImage:
		return s.image != nil
	case model.ModalityAudio:
		return s.audio != nil
	case model.ModalityVideo:
		return s.video != nil || (s.image != nil && s.sampler != nil)
	default:
		return false
	}
}

func normalizeText(s string) string {
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func l2Normalize(v Vector) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	n := math.Sqrt(sumSq)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

func monoMix(waveform []float32, channels int) []float32 {
	if channels <= 1 {
		return waveform
	}
	frames := len(waveform) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += waveform[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func linearResample(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(in)) / ratio)
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		lo := int(srcPos)
		hi := lo + 1
		frac := srcPos - float64(lo)
		if hi >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		out[i] = in[lo]*float32(1-frac) + in[hi]*float32(frac)
	}
	return out
}
