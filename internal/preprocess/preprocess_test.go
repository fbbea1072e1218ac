package preprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/contentstore"
	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
)

type fakeCodec struct {
	probe       ProbeResult
	segmentCalls int
	audioCalls   int
	thumbCalls   int
	rgb          []byte
	width        int
	height       int
}

func (f *fakeCodec) Probe(context.Context, string) (ProbeResult, error) { return f.probe, nil }

func (f *fakeCodec) ExtractVideoSegment(_ context.Context, _ string, _, _ float64, destPath string) error {
	f.segmentCalls++
	return os.WriteFile(destPath, []byte("clip"), 0o600)
}

func (f *fakeCodec) ExtractAudioPCM(context.Context, string, float64, float64) ([]float32, error) {
	f.audioCalls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeCodec) DecodeImage(context.Context, string, int) ([]byte, int, int, error) {
	return f.rgb, f.width, f.height, nil
}

func (f *fakeCodec) Thumbnail(_ context.Context, _ string, destPath string, _ int) error {
	f.thumbCalls++
	return os.WriteFile(destPath, []byte("thumb"), 0o600)
}

func newTestProcessor(t *testing.T, codec Codec) (*Processor, *contentstore.Store, *metadatastore.Store) {
	t.Helper()
	content, err := contentstore.Open(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	meta, err := metadatastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return New(codec, content, meta, DefaultConfig(), nil), content, meta
}

func TestProcessImageSkipsThumbnailUnderThreshold(t *testing.T) {
	codec := &fakeCodec{rgb: []byte{1, 2, 3}, width: 800, height: 600}
	p, _, _ := newTestProcessor(t, codec)

	res, err := p.ProcessImage(context.Background(), digest.OfBytes([]byte("img")), "/x.jpg")
	require.NoError(t, err)
	require.Equal(t, 800, res.Width)
	require.Empty(t, res.ThumbnailTag)
	require.Equal(t, 0, codec.thumbCalls)
}

func TestProcessImageRendersThumbnailOverThreshold(t *testing.T) {
	codec := &fakeCodec{rgb: []byte{1, 2, 3}, width: 4000, height: 3000}
	p, _, _ := newTestProcessor(t, codec)

	d := digest.OfBytes([]byte("big-img"))
	res, err := p.ProcessImage(context.Background(), d, "/x.jpg")
	require.NoError(t, err)
	require.Equal(t, "thumbnail", res.ThumbnailTag)
	require.Equal(t, 1, codec.thumbCalls)

	// Second call hits the cache and does not re-render.
	_, err = p.ProcessImage(context.Background(), d, "/x.jpg")
	require.NoError(t, err)
	require.Equal(t, 1, codec.thumbCalls)
}

func TestProcessVideoShortClipYieldsSingleFullClipSegment(t *testing.T) {
	codec := &fakeCodec{probe: ProbeResult{DurationSecs: 4, Width: 640, Height: 480}}
	p, _, _ := newTestProcessor(t, codec)

	res, err := p.ProcessVideo(context.Background(), 1, digest.OfBytes([]byte("short")), "/v.mp4")
	require.NoError(t, err)
	require.True(t, res.Metadata.IsShortVideo)
	require.Len(t, res.Segments, 1)
	require.True(t, res.Segments[0].IsFullClip)
	require.Equal(t, 1, codec.segmentCalls)
}

func TestProcessVideoLongClipSegmentsByMaxLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSegmentSecs = 30
	codec := &fakeCodec{probe: ProbeResult{DurationSecs: 65, Width: 640, Height: 480}}
	content, err := contentstore.Open(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	meta, err := metadatastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	p := New(codec, content, meta, cfg, nil)

	res, err := p.ProcessVideo(context.Background(), 1, digest.OfBytes([]byte("long")), "/v.mp4")
	require.NoError(t, err)
	require.False(t, res.Metadata.IsShortVideo)
	require.Len(t, res.Segments, 3)
	require.Equal(t, 3, codec.segmentCalls)
}

func TestProcessVideoCapsIndexingDepthForOversizedFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BigFileCapSecs = 60
	cfg.BigFileIndexSecs = 20
	cfg.MaxSegmentSecs = 20
	codec := &fakeCodec{probe: ProbeResult{DurationSecs: 120, Width: 640, Height: 480}}
	content, err := contentstore.Open(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	meta, err := metadatastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	p := New(codec, content, meta, cfg, nil)

	res, err := p.ProcessVideo(context.Background(), 1, digest.OfBytes([]byte("huge")), "/v.mp4")
	require.NoError(t, err)
	require.True(t, res.Metadata.Capped)
	require.Equal(t, 20.0, res.Metadata.IndexedDurationSecs)
	require.Len(t, res.Segments, 1)
}

func TestProcessAudioBelowThresholdIsLowValue(t *testing.T) {
	codec := &fakeCodec{probe: ProbeResult{DurationSecs: 3}}
	p, _, _ := newTestProcessor(t, codec)

	res, err := p.ProcessAudio(context.Background(), 1, digest.OfBytes([]byte("tiny")), "/a.wav")
	require.NoError(t, err)
	require.True(t, res.LowValue)
	require.Empty(t, res.Segments)
	require.Equal(t, 0, codec.audioCalls)
}

func TestProcessAudioAboveThresholdResamplesSegments(t *testing.T) {
	codec := &fakeCodec{probe: ProbeResult{DurationSecs: 45}}
	cfg := DefaultConfig()
	cfg.MaxSegmentSecs = 30
	content, err := contentstore.Open(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	meta, err := metadatastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	p := New(codec, content, meta, cfg, nil)

	res, err := p.ProcessAudio(context.Background(), 1, digest.OfBytes([]byte("clip")), "/a.wav")
	require.NoError(t, err)
	require.False(t, res.LowValue)
	require.Len(t, res.Segments, 2)
	require.Equal(t, 2, codec.audioCalls)
}
