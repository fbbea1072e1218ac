package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/embedding"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/preprocess"
	"github.com/ManuGH/mediasearch/internal/vectorstore"
)

// fakeStore answers Search with a fixed, per-collection hit list, letting
// each test script exactly the scores it wants without standing up a real
// vector index.
type fakeStore struct {
	byCollection map[string][]vectorstore.Hit
}

func (f *fakeStore) Search(collection string, query []float32, k int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	hits := f.byCollection[collection]
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

type fakeBackend struct{ dim int }

func (b fakeBackend) Dimension() int               { return b.dim }
func (b fakeBackend) BatchSize() int                { return 8 }
func (b fakeBackend) SampleRate() int               { return 48000 }
func (b fakeBackend) Warmup(context.Context) error  { return nil }
func (b fakeBackend) EmbedText(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	out := make([]embedding.Vector, len(texts))
	for i := range texts {
		out[i] = make(embedding.Vector, b.dim)
	}
	return out, nil
}
func (b fakeBackend) EmbedImage(ctx context.Context, rgb []byte, width, height int) (embedding.Vector, error) {
	return make(embedding.Vector, b.dim), nil
}
func (b fakeBackend) EmbedAudio(ctx context.Context, waveform []float32) (embedding.Vector, error) {
	return make(embedding.Vector, b.dim), nil
}
func (b fakeBackend) EmbedVideoSegment(ctx context.Context, videoPath string, startSecs, endSecs float64) (embedding.Vector, error) {
	return make(embedding.Vector, b.dim), nil
}

type failingTextBackend struct{ fakeBackend }

func (b failingTextBackend) EmbedText(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	return nil, errUnavailable
}

var errUnavailable = &testError{"text backend unavailable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type fakeCodec struct{}

func (c fakeCodec) Probe(ctx context.Context, path string) (preprocess.ProbeResult, error) {
	return preprocess.ProbeResult{DurationSecs: 3}, nil
}
func (c fakeCodec) ExtractVideoSegment(ctx context.Context, path string, startSecs, endSecs float64, destPath string) error {
	return nil
}
func (c fakeCodec) ExtractAudioPCM(ctx context.Context, path string, startSecs, endSecs float64) ([]float32, error) {
	return make([]float32, 480), nil
}
func (c fakeCodec) DecodeImage(ctx context.Context, path string, maxLongSide int) ([]byte, int, int, error) {
	return make([]byte, 64*64*3), 64, 64, nil
}
func (c fakeCodec) Thumbnail(ctx context.Context, path string, destPath string, maxLongSide int) error {
	return nil
}

func newTestMeta(t *testing.T) *metadatastore.Store {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadatastore.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return meta
}

// seedFile upserts one file and binds it to vectorID, optionally with a
// segment and timestamp (used for video/audio hits).
func seedFile(t *testing.T, meta *metadatastore.Store, digest, path string, m model.Modality, vectorID string, seg model.SegmentRef, ts *model.TimestampMap) int64 {
	t.Helper()
	ctx := context.Background()
	fileID, _, _, err := meta.UpsertFile(ctx, digest, path, time.Now(), 1024, m)
	require.NoError(t, err)
	require.NoError(t, meta.InsertVectorBinding(ctx, model.VectorBinding{
		VectorID: vectorID, FileID: fileID, Segment: seg, Modality: m, Confidence: 1,
	}, ts))
	return fileID
}

func TestSearchTextQueryMatchesImageAndVideo(t *testing.T) {
	meta := newTestMeta(t)
	seedFile(t, meta, "img-digest", "/library/photo.jpg", model.ModalityImage, "img-digest", model.SegmentRef{}, nil)
	seedFile(t, meta, "vid-digest", "/library/clip.mp4", model.ModalityVideo, "vid-digest:0", model.SegmentRef{Valid: true, Index: 0}, &model.TimestampMap{StartSecs: 0, EndSecs: 5, Modality: model.ModalityVideo})

	store := &fakeStore{byCollection: map[string][]vectorstore.Hit{
		"image": {{ID: "img-digest", Score: 0.9, Payload: map[string]string{"digest": "img-digest"}}},
		"video": {{ID: "vid-digest:0", Score: 0.8, Payload: map[string]string{"digest": "vid-digest"}}},
		"text":  {},
	}}

	backend := fakeBackend{dim: 4}
	embedSvc := embedding.New(embedding.DefaultConfig(), backend, backend, backend, backend, nil)
	require.NoError(t, embedSvc.Warmup(context.Background()))

	engine := New(embedSvc, store, meta, fakeCodec{}, DefaultConfig(), nil)

	resp, err := engine.Search(context.Background(), Query{Text: "a dog running"}, 10, Filters{})
	require.NoError(t, err)
	require.Empty(t, resp.Warnings)
	require.Len(t, resp.Results, 2)

	digests := map[string]bool{}
	for _, r := range resp.Results {
		digests[r.Digest] = true
	}
	require.True(t, digests["img-digest"])
	require.True(t, digests["vid-digest"])
}

func TestSearchAudioQueryOnlySearchesAudioCollection(t *testing.T) {
	meta := newTestMeta(t)
	seedFile(t, meta, "aud-digest", "/library/podcast.mp3", model.ModalityAudio, "aud-digest:0", model.SegmentRef{Valid: true, Index: 0}, &model.TimestampMap{StartSecs: 0, EndSecs: 10, Modality: model.ModalityAudio})

	store := &fakeStore{byCollection: map[string][]vectorstore.Hit{
		"audio": {{ID: "aud-digest:0", Score: 0.7, Payload: map[string]string{"digest": "aud-digest"}}},
		"image": {{ID: "should-not-be-searched", Score: 0.99}},
	}}

	backend := fakeBackend{dim: 4}
	embedSvc := embedding.New(embedding.DefaultConfig(), backend, backend, backend, backend, nil)
	require.NoError(t, embedSvc.Warmup(context.Background()))

	engine := New(embedSvc, store, meta, fakeCodec{}, DefaultConfig(), nil)
	resp, err := engine.Search(context.Background(), Query{AudioBytes: []byte("pcm-ish-bytes")}, 10, Filters{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "aud-digest", resp.Results[0].Digest)
}

func TestSearchDedupsMultiplePathsToSameDigest(t *testing.T) {
	meta := newTestMeta(t)
	ctx := context.Background()
	fileID, _, _, err := meta.UpsertFile(ctx, "dup-digest", "/library/a.jpg", time.Now(), 1024, model.ModalityImage)
	require.NoError(t, err)
	_, _, _, err = meta.UpsertFile(ctx, "dup-digest", "/library/b.jpg", time.Now(), 1024, model.ModalityImage)
	require.NoError(t, err)
	require.NoError(t, meta.InsertVectorBinding(ctx, model.VectorBinding{
		VectorID: "dup-digest", FileID: fileID, Modality: model.ModalityImage, Confidence: 1,
	}, nil))

	store := &fakeStore{byCollection: map[string][]vectorstore.Hit{
		"image": {{ID: "dup-digest", Score: 0.5, Payload: map[string]string{"digest": "dup-digest"}}},
		"video": {},
	}}

	backend := fakeBackend{dim: 4}
	embedSvc := embedding.New(embedding.DefaultConfig(), backend, backend, backend, backend, nil)
	require.NoError(t, embedSvc.Warmup(context.Background()))

	engine := New(embedSvc, store, meta, fakeCodec{}, DefaultConfig(), nil)
	resp, err := engine.Search(ctx, Query{ImageBytes: []byte("jpeg-bytes")}, 10, Filters{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.ElementsMatch(t, []string{"/library/a.jpg", "/library/b.jpg"}, resp.Results[0].Paths)
}

func TestSearchPartialFailureReturnsWarningNotError(t *testing.T) {
	meta := newTestMeta(t)
	seedFile(t, meta, "img-digest", "/library/photo.jpg", model.ModalityImage, "img-digest", model.SegmentRef{}, nil)

	store := &fakeStore{byCollection: map[string][]vectorstore.Hit{
		"image": {{ID: "img-digest", Score: 0.9, Payload: map[string]string{"digest": "img-digest"}}},
		"video": {},
	}}

	textBackend := failingTextBackend{fakeBackend{dim: 4}}
	imageBackend := fakeBackend{dim: 4}
	embedSvc := embedding.New(embedding.DefaultConfig(), textBackend, imageBackend, imageBackend, imageBackend, nil)
	require.NoError(t, embedSvc.Warmup(context.Background()))

	engine := New(embedSvc, store, meta, fakeCodec{}, DefaultConfig(), nil)
	resp, err := engine.Search(context.Background(), Query{Text: "broken", ImageBytes: []byte("jpeg-bytes")}, 10, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Warnings)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "img-digest", resp.Results[0].Digest)
}

func TestAssembleTimelinesOrdersSegmentsByTimeAndByScore(t *testing.T) {
	results := []Result{
		{Digest: "v1", Modality: model.ModalityVideo, HasSegment: true, Segment: model.SegmentRef{Valid: true, Index: 1}, StartSecs: 10, EndSecs: 15, Score: 0.9},
		{Digest: "v1", Modality: model.ModalityVideo, HasSegment: true, Segment: model.SegmentRef{Valid: true, Index: 0}, StartSecs: 0, EndSecs: 5, Score: 0.4},
	}
	timelines := assembleTimelines(results)
	require.Len(t, timelines, 1)
	tl := timelines[0]
	require.Equal(t, "v1", tl.Digest)
	require.InDelta(t, 10.0, tl.TotalRelevantSecs, 0.0001)

	require.Equal(t, 0.0, tl.TimeSorted[0].StartSecs)
	require.Equal(t, 10.0, tl.TimeSorted[1].StartSecs)

	require.InDelta(t, 0.9, tl.RelevanceSorted[0].Score, 0.0001)
	require.InDelta(t, 0.4, tl.RelevanceSorted[1].Score, 0.0001)
}
