package refbackend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/ManuGH/mediasearch/internal/embedding"
	"github.com/ManuGH/mediasearch/internal/errs"
)

// FFmpegFrameSampler extracts uniformly-spaced RGB frames from a video
// segment by shelling out to ffmpeg once per frame, the same subprocess
// idiom the preprocessor's codec uses rather than linking a decoder.
type FFmpegFrameSampler struct {
	FFmpegPath string
}

// NewFFmpegFrameSampler returns a sampler using the ffmpeg binary on PATH
// unless ffmpegPath overrides it.
func NewFFmpegFrameSampler(ffmpegPath string) *FFmpegFrameSampler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegFrameSampler{FFmpegPath: ffmpegPath}
}

// SampleFrames extracts count frames uniformly spaced across
// [startSecs, endSecs), decoded to raw RGB at the source's native
// resolution.
func (s *FFmpegFrameSampler) SampleFrames(ctx context.Context, videoPath string, startSecs, endSecs float64, count int) ([]embedding.Frame, error) {
	const op = "refbackend.frame_sampler.sample_frames"
	if count <= 0 {
		return nil, nil
	}
	width, height, err := s.probeDimensions(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	span := endSecs - startSecs
	step := span / float64(count)
	frames := make([]embedding.Frame, 0, count)
	for i := 0; i < count; i++ {
		at := startSecs + step*(float64(i)+0.5)
		rgb, err := s.decodeFrameAt(ctx, videoPath, at, width, height)
		if err != nil {
			return nil, errs.Wrap(errs.Codec, op, fmt.Sprintf("decode frame %d at %.3fs", i, at), err)
		}
		frames = append(frames, embedding.Frame{RGB: rgb, Width: width, Height: height})
	}
	return frames, nil
}

func (s *FFmpegFrameSampler) probeDimensions(ctx context.Context, videoPath string) (int, int, error) {
	const op = "refbackend.frame_sampler.probe"
	cmd := exec.CommandContext(ctx, "ffprobe", // #nosec G204
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		videoPath,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, 0, errs.Wrap(errs.Codec, op, "ffprobe invocation failed", err)
	}
	var width, height int
	if _, err := fmt.Sscanf(stdout.String(), "%dx%d", &width, &height); err != nil {
		return 0, 0, errs.Wrap(errs.Codec, op, "parse ffprobe dimensions", err)
	}
	return width, height, nil
}

func (s *FFmpegFrameSampler) decodeFrameAt(ctx context.Context, videoPath string, atSecs float64, width, height int) ([]byte, error) {
	args := []string{
		"-v", "error",
		"-ss", formatSecs(atSecs),
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, s.FFmpegPath, args...) // #nosec G204
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

func formatSecs(s float64) string {
	return fmt.Sprintf("%.3f", s)
}
