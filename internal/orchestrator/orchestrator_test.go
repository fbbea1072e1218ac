package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/contentstore"
	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/embedding"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/noisefilter"
	"github.com/ManuGH/mediasearch/internal/preprocess"
	"github.com/ManuGH/mediasearch/internal/scanner"
	"github.com/ManuGH/mediasearch/internal/taskengine"
	"github.com/ManuGH/mediasearch/internal/vectorstore"
)

// fakeCodec stubs preprocess.Codec without shelling out to ffmpeg/ffprobe.
type fakeCodec struct {
	probe ProbeResultStub
}

type ProbeResultStub = preprocess.ProbeResult

func (c *fakeCodec) Probe(ctx context.Context, path string) (preprocess.ProbeResult, error) {
	return c.probe, nil
}

func (c *fakeCodec) ExtractVideoSegment(ctx context.Context, path string, startSecs, endSecs float64, destPath string) error {
	return os.WriteFile(destPath, []byte("clip"), 0o644)
}

func (c *fakeCodec) ExtractAudioPCM(ctx context.Context, path string, startSecs, endSecs float64) ([]float32, error) {
	return make([]float32, 480), nil
}

func (c *fakeCodec) DecodeImage(ctx context.Context, path string, maxLongSide int) ([]byte, int, int, error) {
	return make([]byte, 64*64*3), 64, 64, nil
}

func (c *fakeCodec) Thumbnail(ctx context.Context, path string, destPath string, maxLongSide int) error {
	return os.WriteFile(destPath, []byte("thumb"), 0o644)
}

// fakeBackend implements every embedding backend interface with a
// fixed-dimension constant vector, enough to exercise the commit path
// without a real model.
type fakeBackend struct{ dim int }

func (f fakeBackend) Dimension() int          { return f.dim }
func (f fakeBackend) BatchSize() int          { return 8 }
func (f fakeBackend) SampleRate() int         { return 48000 }
func (f fakeBackend) Warmup(context.Context) error { return nil }

func (f fakeBackend) EmbedText(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	out := make([]embedding.Vector, len(texts))
	for i := range texts {
		out[i] = fixedVector(f.dim)
	}
	return out, nil
}

func (f fakeBackend) EmbedImage(ctx context.Context, rgb []byte, width, height int) (embedding.Vector, error) {
	return fixedVector(f.dim), nil
}

func (f fakeBackend) EmbedAudio(ctx context.Context, waveform []float32) (embedding.Vector, error) {
	return fixedVector(f.dim), nil
}

func (f fakeBackend) EmbedVideoSegment(ctx context.Context, videoPath string, startSecs, endSecs float64) (embedding.Vector, error) {
	return fixedVector(f.dim), nil
}

func fixedVector(dim int) embedding.Vector {
	v := make(embedding.Vector, dim)
	v[0] = 1
	return v
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *metadatastore.Store) {
	t.Helper()
	dir := t.TempDir()

	meta, err := metadatastore.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	content, err := contentstore.Open(filepath.Join(dir, "content"))
	require.NoError(t, err)

	vectors, err := vectorstore.Open(filepath.Join(dir, "vectors"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	codec := &fakeCodec{probe: preprocess.ProbeResult{
		DurationSecs: 12, Width: 640, Height: 480, BitrateBps: 128000,
		HasVideo: true, HasAudio: true,
	}}
	proc := preprocess.New(codec, content, meta, preprocess.DefaultConfig(), nil)

	backend := fakeBackend{dim: 8}
	embedSvc := embedding.New(embedding.DefaultConfig(), backend, backend, backend, backend, nil)
	require.NoError(t, embedSvc.Warmup(context.Background()))

	orch := New(meta, codec, proc, embedSvc, vectors, noisefilter.DefaultThresholds())
	return orch, meta
}

func writeTestFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestHandleObservationEnqueuesScanForNewFile(t *testing.T) {
	orch, meta := newTestOrchestrator(t)
	path := writeTestFile(t, "hello image bytes")
	d, err := digest.OfFile(path)
	require.NoError(t, err)

	obs := scanner.Observation{Path: path, Digest: d, Modality: scanner.Modality(model.ModalityImage), Size: 18, ModTime: time.Now()}
	require.NoError(t, orch.HandleObservation(context.Background(), obs))

	tasks, err := meta.GetTasks(context.Background(), metadatastore.TaskFilter{Type: model.TaskTypeFileScan})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, d.String(), tasks[0].TargetIdentity)
}

func TestHandleObservationIsNoOpForKnownPath(t *testing.T) {
	orch, meta := newTestOrchestrator(t)
	path := writeTestFile(t, "hello image bytes")
	d, err := digest.OfFile(path)
	require.NoError(t, err)

	obs := scanner.Observation{Path: path, Digest: d, Modality: scanner.Modality(model.ModalityImage), Size: 18, ModTime: time.Now()}
	ctx := context.Background()
	require.NoError(t, orch.HandleObservation(ctx, obs))
	require.NoError(t, orch.HandleObservation(ctx, obs))

	tasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileScan})
	require.NoError(t, err)
	require.Len(t, tasks, 1, "re-observing the same path at the same digest must not enqueue a second scan")
}

func TestHandleEventCreateModifyDelete(t *testing.T) {
	orch, meta := newTestOrchestrator(t)
	ctx := context.Background()
	path := writeTestFile(t, "original contents")
	d1, err := digest.OfFile(path)
	require.NoError(t, err)

	require.NoError(t, orch.HandleEvent(ctx, scanner.Event{
		Kind: scanner.EventCreated, Path: path, Digest: d1, Modality: scanner.Modality(model.ModalityText),
	}))
	file, err := meta.GetFile(ctx, d1.String())
	require.NoError(t, err)
	require.Equal(t, 1, file.RefCount)

	// modify with unchanged digest only touches mod time, no new scan task
	require.NoError(t, orch.HandleEvent(ctx, scanner.Event{
		Kind: scanner.EventModified, Path: path, Digest: d1, Modality: scanner.Modality(model.ModalityText),
	}))
	tasksAfterTouch, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileScan})
	require.NoError(t, err)
	require.Len(t, tasksAfterTouch, 1, "an unchanged digest must not trigger a second scan")

	// modify with a changed digest rebinds the path and enqueues a fresh scan
	require.NoError(t, os.WriteFile(path, []byte("changed contents, much longer now"), 0o644))
	d2, err := digest.OfFile(path)
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)

	require.NoError(t, orch.HandleEvent(ctx, scanner.Event{
		Kind: scanner.EventModified, Path: path, Digest: d2, Modality: scanner.Modality(model.ModalityText),
	}))
	tasksAfterChange, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileScan})
	require.NoError(t, err)
	require.Len(t, tasksAfterChange, 2)

	oldFile, err := meta.GetFile(ctx, d1.String())
	require.NoError(t, err)
	require.Equal(t, 0, oldFile.RefCount, "the stale digest must be detached once the path rebinds")

	// delete detaches the path; refcount reaching zero enqueues a purge
	require.NoError(t, orch.HandleEvent(ctx, scanner.Event{Kind: scanner.EventDeleted, Path: path}))
	purgeTasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeDeleteOrphans})
	require.NoError(t, err)
	require.Len(t, purgeTasks, 1)
	require.Equal(t, d2.String(), purgeTasks[0].TargetIdentity)
}

func TestBuildTaskGroupWiresDependenciesPerModality(t *testing.T) {
	orch, meta := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, orch.buildTaskGroup(ctx, "digest-video", "/media/clip.mp4", model.ModalityVideo))
	sliceTasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeVideoSlice})
	require.NoError(t, err)
	require.Len(t, sliceTasks, 1)
	embedTasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileEmbedVideo})
	require.NoError(t, err)
	require.Len(t, embedTasks, 1, "video slice must be enqueued alongside its dependent embed task")
	require.Equal(t, sliceTasks[0].PipelineGroup, embedTasks[0].PipelineGroup)

	require.NoError(t, orch.buildTaskGroup(ctx, "digest-audio", "/media/clip.wav", model.ModalityAudio))
	segTasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeAudioSegment})
	require.NoError(t, err)
	require.Len(t, segTasks, 1)
	audioEmbedTasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileEmbedAudio})
	require.NoError(t, err)
	require.Len(t, audioEmbedTasks, 1)
	require.Equal(t, segTasks[0].PipelineGroup, audioEmbedTasks[0].PipelineGroup)

	require.NoError(t, orch.buildTaskGroup(ctx, "digest-image", "/media/pic.jpg", model.ModalityImage))
	imageEmbedTasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Len(t, imageEmbedTasks, 1, "image gets no separate preprocessing task")
}

// TestHandleDeleteOrphansPurgesCacheEntries drives a file through delete
// detachment and confirms handleDeleteOrphans clears every
// PreprocessingCacheEntry keyed by its digest, so the content store's
// sweep is free to reclaim the artifacts the file once produced.
func TestHandleDeleteOrphansPurgesCacheEntries(t *testing.T) {
	orch, meta := newTestOrchestrator(t)
	ctx := context.Background()
	path := writeTestFile(t, "orphan candidate contents")
	d, err := digest.OfFile(path)
	require.NoError(t, err)

	require.NoError(t, orch.HandleEvent(ctx, scanner.Event{
		Kind: scanner.EventCreated, Path: path, Digest: d, Modality: scanner.Modality(model.ModalityText),
	}))

	require.NoError(t, meta.UpsertCacheEntry(ctx, model.PreprocessingCacheEntry{
		Digest:     d.String(),
		Tag:        "thumbnail",
		Path:       "/does/not/matter",
		Size:       123,
		LastAccess: time.Now(),
		TTL:        time.Hour,
	}))
	_, err = meta.GetCacheEntry(ctx, d.String(), "thumbnail")
	require.NoError(t, err, "cache entry must exist before the file is orphaned")

	require.NoError(t, orch.HandleEvent(ctx, scanner.Event{Kind: scanner.EventDeleted, Path: path}))
	purgeTasks, err := meta.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeDeleteOrphans})
	require.NoError(t, err)
	require.Len(t, purgeTasks, 1)

	_, err = orch.handleDeleteOrphans(ctx, purgeTasks[0])
	require.NoError(t, err)

	_, err = meta.GetCacheEntry(ctx, d.String(), "thumbnail")
	require.Error(t, err, "handleDeleteOrphans must remove every cache entry for the purged digest")
}

// TestEndToEndImageIngestIndexesAndCommitsVector wires a real task engine
// to the orchestrator's handlers and drives a single image file from
// observation through to an indexed, queryable vector.
func TestEndToEndImageIngestIndexesAndCommitsVector(t *testing.T) {
	orch, meta := newTestOrchestrator(t)
	ctx := context.Background()
	path := writeTestFile(t, "some image bytes, long enough to pass size thresholds are not enforced here")
	d, err := digest.OfFile(path)
	require.NoError(t, err)

	require.NoError(t, orch.HandleObservation(ctx, scanner.Observation{
		Path: path, Digest: d, Modality: scanner.Modality(model.ModalityImage), Size: 128, ModTime: time.Now(),
	}))

	cfg := taskengine.DefaultConfig()
	cfg.EmbeddingWorkers, cfg.IOWorkers, cfg.TaskWorkers = 1, 1, 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CancelCheckInterval = 10 * time.Millisecond

	engine := taskengine.New(meta, cfg)
	orch.Register(engine)

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(runCtx) }()

	require.Eventually(t, func() bool {
		file, err := meta.GetFile(ctx, d.String())
		return err == nil && file.State == model.FileStateIndexed
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-errCh

	ids, err := meta.VectorIDsForFile(ctx, mustFileID(t, meta, d.String()))
	require.NoError(t, err)
	require.Equal(t, []string{d.String()}, ids)
}

func mustFileID(t *testing.T, meta *metadatastore.Store, digestStr string) int64 {
	t.Helper()
	file, err := meta.GetFile(context.Background(), digestStr)
	require.NoError(t, err)
	return file.ID
}
