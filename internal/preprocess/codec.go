// Package preprocess implements the media preprocessor (C6): per-modality
// decode, segmentation, and resampling that runs between ingestion and
// embedding. Like the rest of the engine, it never links an image or video
// codec directly; decode and transcode are delegated to an external ffmpeg
// binary invoked via os/exec, the same way the engine's streaming pipeline
// shells out to ffmpeg rather than embedding a codec library.
package preprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/log"
)

// ProbeResult holds the stream attributes ffprobe reports for a media file.
type ProbeResult struct {
	DurationSecs float64
	Width        int
	Height       int
	FrameRate    float64
	BitrateBps   int
	SampleRate   int
	Channels     int
	HasVideo     bool
	HasAudio     bool
}

// Codec is the subprocess-backed adapter the preprocessor drives. A test
// double implements this without ever invoking a binary.
type Codec interface {
	// Probe inspects path and reports its stream attributes.
	Probe(ctx context.Context, path string) (ProbeResult, error)

	// ExtractVideoSegment writes path[startSecs:endSecs] to destPath as a
	// standalone clip, re-encoded for the embedding backend's expectations.
	ExtractVideoSegment(ctx context.Context, path string, startSecs, endSecs float64, destPath string) error

	// ExtractAudioPCM decodes path[startSecs:endSecs], resampled to 48kHz
	// mono 32-bit float, and returns the raw samples.
	ExtractAudioPCM(ctx context.Context, path string, startSecs, endSecs float64) ([]float32, error)

	// DecodeImage decodes path to raw 8-bit RGB, optionally downscaling so
	// neither dimension exceeds maxLongSide (0 disables downscaling).
	DecodeImage(ctx context.Context, path string, maxLongSide int) (rgb []byte, width, height int, err error)

	// Thumbnail writes a downscaled copy of path to destPath, the long side
	// capped at maxLongSide, in the source's own image format.
	Thumbnail(ctx context.Context, path string, destPath string, maxLongSide int) error
}

// FFmpegCodec drives ffmpeg and ffprobe binaries directly via exec.
type FFmpegCodec struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpegCodec returns a Codec using binaries on PATH unless overridden.
func NewFFmpegCodec(ffmpegPath, ffprobePath string) *FFmpegCodec {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegCodec{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

type probeStreamJSON struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
	RFrameRate   string `json:"r_frame_rate"`
	BitRate      string `json:"bit_rate"`
}

type probeFormatJSON struct {
	DurationSecs string `json:"duration"`
	BitRate      string `json:"bit_rate"`
}

type probeOutputJSON struct {
	Streams []probeStreamJSON `json:"streams"`
	Format  probeFormatJSON   `json:"format"`
}

// Probe shells out to ffprobe -print_format json and parses stream/format
// attributes out of the result.
func (c *FFmpegCodec) Probe(ctx context.Context, path string) (ProbeResult, error) {
	const op = "preprocess.ffmpeg_codec.probe"
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	}
	cmd := exec.CommandContext(ctx, c.FFprobePath, args...) // #nosec G204
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, errs.Wrap(errs.Codec, op, "ffprobe invocation failed", err)
	}

	var parsed probeOutputJSON
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return ProbeResult{}, errs.Wrap(errs.Codec, op, "parse ffprobe json", err)
	}

	out := ProbeResult{}
	if d, err := strconv.ParseFloat(parsed.Format.DurationSecs, 64); err == nil {
		out.DurationSecs = d
	}
	if b, err := strconv.Atoi(parsed.Format.BitRate); err == nil {
		out.BitrateBps = b
	}
	for _, st := range parsed.Streams {
		switch st.CodecType {
		case "video":
			out.HasVideo = true
			out.Width = st.Width
			out.Height = st.Height
			out.FrameRate = parseRational(st.RFrameRate)
		case "audio":
			out.HasAudio = true
			out.Channels = st.Channels
			if sr, err := strconv.Atoi(st.SampleRate); err == nil {
				out.SampleRate = sr
			}
		}
	}
	return out, nil
}

func parseRational(s string) float64 {
	var num, den float64
	if _, err := fmt.Sscanf(s, "%f/%f", &num, &den); err != nil || den == 0 {
		return 0
	}
	return num / den
}

// ExtractVideoSegment re-encodes path[startSecs:endSecs] to destPath.
func (c *FFmpegCodec) ExtractVideoSegment(ctx context.Context, path string, startSecs, endSecs float64, destPath string) error {
	const op = "preprocess.ffmpeg_codec.extract_video_segment"
	args := []string{
		"-y", "-v", "error",
		"-ss", formatSecs(startSecs),
		"-i", path,
		"-t", formatSecs(endSecs - startSecs),
		"-an",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		destPath,
	}
	return c.run(ctx, op, args)
}

// ExtractAudioPCM decodes path[startSecs:endSecs] to raw 48kHz mono float32
// little-endian PCM, read directly off ffmpeg's stdout.
func (c *FFmpegCodec) ExtractAudioPCM(ctx context.Context, path string, startSecs, endSecs float64) ([]float32, error) {
	const op = "preprocess.ffmpeg_codec.extract_audio_pcm"
	args := []string{
		"-v", "error",
		"-ss", formatSecs(startSecs),
		"-i", path,
		"-t", formatSecs(endSecs - startSecs),
		"-ac", "1",
		"-ar", "48000",
		"-f", "f32le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...) // #nosec G204
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.L().Warn().Err(err).Str("stderr", stderr.String()).Msg("preprocess: ffmpeg pcm extraction failed")
		return nil, errs.Wrap(errs.Codec, op, "ffmpeg pcm extraction failed", err)
	}
	return decodeFloat32LE(stdout.Bytes()), nil
}

func decodeFloat32LE(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// DecodeImage decodes path to raw RGB via ffmpeg's rawvideo muxer, scaling
// down first if maxLongSide is set and smaller than the source.
func (c *FFmpegCodec) DecodeImage(ctx context.Context, path string, maxLongSide int) ([]byte, int, int, error) {
	const op = "preprocess.ffmpeg_codec.decode_image"
	probe, err := c.Probe(ctx, path)
	if err != nil {
		return nil, 0, 0, err
	}
	width, height := probe.Width, probe.Height

	args := []string{"-v", "error", "-i", path}
	if filter := scaleFilter(width, height, maxLongSide); filter != "" {
		args = append(args, "-vf", filter)
		width, height = scaledDimensions(width, height, maxLongSide)
	}
	args = append(args, "-f", "rawvideo", "-pix_fmt", "rgb24", "pipe:1")

	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...) // #nosec G204
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, 0, 0, errs.Wrap(errs.Codec, op, "ffmpeg image decode failed", err)
	}
	return stdout.Bytes(), width, height, nil
}

// Thumbnail writes a downscaled copy of path to destPath.
func (c *FFmpegCodec) Thumbnail(ctx context.Context, path string, destPath string, maxLongSide int) error {
	const op = "preprocess.ffmpeg_codec.thumbnail"
	probe, err := c.Probe(ctx, path)
	if err != nil {
		return err
	}
	args := []string{"-y", "-v", "error", "-i", path}
	if filter := scaleFilter(probe.Width, probe.Height, maxLongSide); filter != "" {
		args = append(args, "-vf", filter)
	}
	args = append(args, destPath)
	return c.run(ctx, op, args)
}

func (c *FFmpegCodec) run(ctx context.Context, op string, args []string) error {
	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.L().Warn().Err(err).Str("stderr", stderr.String()).Str("op", op).Msg("preprocess: ffmpeg invocation failed")
		return errs.Wrap(errs.Codec, op, "ffmpeg invocation failed", err)
	}
	return nil
}

func formatSecs(s float64) string {
	return fmt.Sprintf("%.3f", s)
}

func scaleFilter(width, height, maxLongSide int) string {
	if maxLongSide <= 0 {
		return ""
	}
	long := width
	if height > long {
		long = height
	}
	if long <= maxLongSide {
		return ""
	}
	if width >= height {
		return fmt.Sprintf("scale=%d:-2", maxLongSide)
	}
	return fmt.Sprintf("scale=-2:%d", maxLongSide)
}

func scaledDimensions(width, height, maxLongSide int) (int, int) {
	if maxLongSide <= 0 {
		return width, height
	}
	long := width
	if height > long {
		long = height
	}
	if long <= maxLongSide {
		return width, height
	}
	ratio := float64(maxLongSide) / float64(long)
	return int(float64(width) * ratio), int(float64(height) * ratio)
}
