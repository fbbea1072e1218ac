package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/metrics"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/noisefilter"
	"github.com/ManuGH/mediasearch/internal/preprocess"
	"github.com/ManuGH/mediasearch/internal/taskengine"
	"github.com/ManuGH/mediasearch/internal/vectorstore"
)

// Register binds every C9 task handler to engine, matching the pool each
// task type is assigned in model.TaskType.Pool.
func (o *Orchestrator) Register(engine *taskengine.Engine) {
	engine.Register(model.TaskTypeFileScan, o.handleFileScan)
	engine.Register(model.TaskTypeVideoSlice, o.handleVideoSlice)
	engine.Register(model.TaskTypeAudioSegment, o.handleAudioSegment)
	engine.Register(model.TaskTypeFileEmbedImage, o.handleEmbedImage)
	engine.Register(model.TaskTypeFileEmbedVideo, o.handleEmbedVideo)
	engine.Register(model.TaskTypeFileEmbedAudio, o.handleEmbedAudio)
	engine.Register(model.TaskTypeFileEmbedText, o.handleEmbedText)
	engine.Register(model.TaskTypeDeleteOrphans, o.handleDeleteOrphans)
}

// handleFileScan is the task-group entry point enqueued by create/modify
// events: it probes the file, runs it past the noise filter, and either
// marks it skipped or builds the modality-specific preprocess/embed chain.
func (o *Orchestrator) handleFileScan(ctx context.Context, task model.Task) (string, error) {
	const op = "orchestrator.handle_file_scan"

	file, err := o.store.GetFile(ctx, task.TargetIdentity)
	if err != nil {
		return "", err
	}

	probe, err := o.codec.Probe(ctx, task.TargetPath)
	if err != nil {
		return "", errs.Wrap(errs.Codec, op, "probe file", err)
	}

	verdict := o.verdict(file.Modality, probe, task.TargetPath)
	if !verdict.Accepted {
		if err := o.store.TransitionFile(ctx, file.ID, model.FileStatePending, model.FileStateSkipped); err != nil {
			return "", err
		}
		if err := o.store.SetFailReason(ctx, file.ID, verdict.Reason); err != nil {
			return "", err
		}
		return "rejected: " + verdict.Reason, nil
	}

	if err := o.store.TransitionFile(ctx, file.ID, model.FileStatePending, model.FileStateProcessing); err != nil {
		return "", err
	}

	if err := o.buildTaskGroup(ctx, file.Digest, task.TargetPath, file.Modality); err != nil {
		return "", err
	}
	return "accepted", nil
}

func (o *Orchestrator) verdict(m model.Modality, probe preprocess.ProbeResult, path string) noisefilter.Verdict {
	switch m {
	case model.ModalityVideo:
		return o.thresholds.Video(probe.DurationSecs, probe.Width, probe.Height)
	case model.ModalityAudio:
		return o.thresholds.Audio(probe.DurationSecs, probe.BitrateBps)
	case model.ModalityImage:
		return o.thresholds.Image(probe.Width, probe.Height, fileSize(path))
	default:
		return o.thresholds.Text(int(fileSize(path)))
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// buildTaskGroup enqueues the modality-specific dependency chain §4.9
// requires: preprocessing ahead of embedding for segmented modalities,
// with the embed task depending on its preprocess task's success; image
// and text have no separate preprocessing task since their decode cost is
// cheap enough to run inline inside the embed handler itself.
func (o *Orchestrator) buildTaskGroup(ctx context.Context, digest, path string, m model.Modality) error {
	group := digest
	switch m {
	case model.ModalityVideo:
		sliceID, err := o.store.EnqueueTask(ctx, model.Task{
			Type: model.TaskTypeVideoSlice, TargetIdentity: digest, TargetPath: path,
			Priority: model.TaskTypeVideoSlice.BasePriority(), PipelineGroup: group,
		})
		if err != nil {
			return err
		}
		_, err = o.store.EnqueueTask(ctx, model.Task{
			Type: model.TaskTypeFileEmbedVideo, TargetIdentity: digest, TargetPath: path,
			Priority: model.TaskTypeFileEmbedVideo.BasePriority(), PipelineGroup: group,
			Dependencies: []int64{sliceID},
		})
		return err
	case model.ModalityAudio:
		segmentID, err := o.store.EnqueueTask(ctx, model.Task{
			Type: model.TaskTypeAudioSegment, TargetIdentity: digest, TargetPath: path,
			Priority: model.TaskTypeAudioSegment.BasePriority(), PipelineGroup: group,
		})
		if err != nil {
			return err
		}
		_, err = o.store.EnqueueTask(ctx, model.Task{
			Type: model.TaskTypeFileEmbedAudio, TargetIdentity: digest, TargetPath: path,
			Priority: model.TaskTypeFileEmbedAudio.BasePriority(), PipelineGroup: group,
			Dependencies: []int64{segmentID},
		})
		return err
	case model.ModalityImage:
		_, err := o.store.EnqueueTask(ctx, model.Task{
			Type: model.TaskTypeFileEmbedImage, TargetIdentity: digest, TargetPath: path,
			Priority: model.TaskTypeFileEmbedImage.BasePriority(), PipelineGroup: group,
		})
		return err
	default:
		_, err := o.store.EnqueueTask(ctx, model.Task{
			Type: model.TaskTypeFileEmbedText, TargetIdentity: digest, TargetPath: path,
			Priority: model.TaskTypeFileEmbedText.BasePriority(), PipelineGroup: group,
		})
		return err
	}
}

// handleVideoSlice runs the media preprocessor's video stage, which
// extracts and caches segment clips so the embed stage hits cached
// artifacts rather than re-running ffmpeg's expensive decode path.
func (o *Orchestrator) handleVideoSlice(ctx context.Context, task model.Task) (string, error) {
	file, dg, err := o.lookup(ctx, task.TargetIdentity)
	if err != nil {
		return "", err
	}
	res, err := o.preprocess.ProcessVideo(ctx, file.ID, dg, task.TargetPath)
	if err != nil {
		return "", err
	}
	if err := o.store.RecordVideoMetadata(ctx, res.Metadata); err != nil {
		return "", err
	}
	if err := o.store.RecordSegments(ctx, file.ID, res.Segments, nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d segments", len(res.Segments)), nil
}

// handleAudioSegment runs the media preprocessor's audio stage. A
// low-value verdict (clip shorter than the minimum duration) transitions
// the file straight to skipped; the dependent embed task checks for this
// and becomes a no-op rather than erroring.
func (o *Orchestrator) handleAudioSegment(ctx context.Context, task model.Task) (string, error) {
	file, dg, err := o.lookup(ctx, task.TargetIdentity)
	if err != nil {
		return "", err
	}
	res, err := o.preprocess.ProcessAudio(ctx, file.ID, dg, task.TargetPath)
	if err != nil {
		return "", err
	}
	if res.LowValue {
		if err := o.store.TransitionFile(ctx, file.ID, model.FileStateProcessing, model.FileStateSkipped); err != nil {
			return "", err
		}
		return "low-value", nil
	}
	if err := o.store.RecordSegments(ctx, file.ID, nil, res.Segments); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d segments", len(res.Segments)), nil
}

// handleEmbedImage decodes, embeds, and commits a single-vector image
// file: the two-phase write (§5) writes the vector first, then the
// binding, so a crash between the two leaves only an orphan vector, never
// a binding pointing nowhere.
func (o *Orchestrator) handleEmbedImage(ctx context.Context, task model.Task) (string, error) {
	file, dg, err := o.lookup(ctx, task.TargetIdentity)
	if err != nil {
		return "", err
	}
	res, err := o.preprocess.ProcessImage(ctx, dg, task.TargetPath)
	if err != nil {
		return "", err
	}
	vec, err := o.embed.EmbedImage(ctx, res.RGB, res.Width, res.Height)
	if err != nil {
		return "", err
	}
	if err := o.commit(ctx, collection(model.ModalityImage), model.ModalityImage, file.ID, file.Digest, file.Digest, model.SegmentRef{}, vec, nil); err != nil {
		return "", err
	}
	if err := o.store.TransitionFile(ctx, file.ID, model.FileStateProcessing, model.FileStateIndexed); err != nil {
		return "", err
	}
	return "indexed", nil
}

// handleEmbedVideo embeds every segment the video-slice stage recorded,
// one vector per segment, committing each with its own two-phase write.
func (o *Orchestrator) handleEmbedVideo(ctx context.Context, task model.Task) (string, error) {
	file, dg, err := o.lookup(ctx, task.TargetIdentity)
	if err != nil {
		return "", err
	}
	if file.State == model.FileStateSkipped {
		return "skipped upstream", nil
	}
	res, err := o.preprocess.ProcessVideo(ctx, file.ID, dg, task.TargetPath)
	if err != nil {
		return "", err
	}
	for _, seg := range res.Segments {
		vec, err := o.embed.EmbedVideoSegment(ctx, task.TargetPath, seg.StartSecs, seg.EndSecs)
		if err != nil {
			return "", err
		}
		vectorID := fmt.Sprintf("%s:%d", file.Digest, seg.Index)
		ref := model.SegmentRef{Valid: true, Index: seg.Index}
		if err := o.commit(ctx, collection(model.ModalityVideo), model.ModalityVideo, file.ID, vectorID, file.Digest, ref, vec, &model.TimestampMap{
			StartSecs: seg.StartSecs, EndSecs: seg.EndSecs, Modality: model.ModalityVideo,
		}); err != nil {
			return "", err
		}
	}
	if err := o.store.TransitionFile(ctx, file.ID, model.FileStateProcessing, model.FileStateIndexed); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d vectors", len(res.Segments)), nil
}

// handleEmbedAudio re-extracts PCM for every recorded segment (the
// preprocessor's own cached artifact exists for playback, not inference)
// and embeds + commits each segment's vector.
func (o *Orchestrator) handleEmbedAudio(ctx context.Context, task model.Task) (string, error) {
	file, dg, err := o.lookup(ctx, task.TargetIdentity)
	if err != nil {
		return "", err
	}
	if file.State == model.FileStateSkipped {
		return "skipped upstream", nil
	}
	res, err := o.preprocess.ProcessAudio(ctx, file.ID, dg, task.TargetPath)
	if err != nil {
		return "", err
	}
	if res.LowValue {
		return "low-value", nil
	}
	for _, seg := range res.Segments {
		pcm, err := o.codec.ExtractAudioPCM(ctx, task.TargetPath, seg.StartSecs, seg.EndSecs)
		if err != nil {
			return "", errs.Wrap(errs.Codec, "orchestrator.handle_embed_audio", "extract segment pcm", err)
		}
		vec, err := o.embed.EmbedAudio(ctx, pcm, 48000, 1)
		if err != nil {
			return "", err
		}
		vectorID := fmt.Sprintf("%s:%d", file.Digest, seg.Index)
		ref := model.SegmentRef{Valid: true, Index: seg.Index}
		if err := o.commit(ctx, collection(model.ModalityAudio), model.ModalityAudio, file.ID, vectorID, file.Digest, ref, vec, &model.TimestampMap{
			StartSecs: seg.StartSecs, EndSecs: seg.EndSecs, Modality: model.ModalityAudio,
		}); err != nil {
			return "", err
		}
	}
	if err := o.store.TransitionFile(ctx, file.ID, model.FileStateProcessing, model.FileStateIndexed); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d vectors", len(res.Segments)), nil
}

// handleEmbedText reads the whole file as UTF-8 text and embeds it as a
// single vector; there is no segmentation for standalone text files.
func (o *Orchestrator) handleEmbedText(ctx context.Context, task model.Task) (string, error) {
	file, err := o.store.GetFile(ctx, task.TargetIdentity)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(task.TargetPath)
	if err != nil {
		return "", errs.Wrap(errs.IO, "orchestrator.handle_embed_text", "read text file", err)
	}
	vecs, err := o.embed.EmbedText(ctx, []string{string(raw)})
	if err != nil {
		return "", err
	}
	if len(vecs) == 0 {
		return "", errs.New(errs.ModelNotReady, "orchestrator.handle_embed_text", "text backend returned no vectors")
	}
	if err := o.commit(ctx, collection(model.ModalityText), model.ModalityText, file.ID, file.Digest, file.Digest, model.SegmentRef{}, vecs[0], nil); err != nil {
		return "", err
	}
	if err := o.store.TransitionFile(ctx, file.ID, model.FileStateProcessing, model.FileStateIndexed); err != nil {
		return "", err
	}
	return "indexed", nil
}

// handleDeleteOrphans purges an unreferenced SourceFile's vectors and
// metadata once its reference count has reached zero, per §4.7's
// "enqueue purge of file+vectors+artifacts" rule.
func (o *Orchestrator) handleDeleteOrphans(ctx context.Context, task model.Task) (string, error) {
	file, err := o.store.GetFile(ctx, task.TargetIdentity)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return "already gone", nil
		}
		return "", err
	}
	if file.RefCount > 0 {
		return "re-referenced, skipping purge", nil
	}

	vectorIDs, err := o.store.VectorIDsForFile(ctx, file.ID)
	if err != nil {
		return "", err
	}
	if len(vectorIDs) > 0 {
		if err := o.vectors.Delete(collection(file.Modality), vectorIDs); err != nil {
			return "", errs.Wrap(errs.IO, "orchestrator.handle_delete_orphans", "delete vectors", err)
		}
	}
	if err := o.store.DeleteVectorBindingsForFile(ctx, file.ID); err != nil {
		return "", err
	}
	if err := o.store.DeleteCacheEntriesForDigest(ctx, file.Digest); err != nil {
		return "", err
	}
	metrics.RecordOrphanSweep(string(file.Modality), len(vectorIDs))
	return fmt.Sprintf("purged %d vectors", len(vectorIDs)), nil
}

// lookup resolves a task's digest-valued TargetIdentity to both the
// SourceFile row and the parsed digest.Digest preprocess's cache-key API
// wants, sparing every handler from repeating the parse-or-fail check.
func (o *Orchestrator) lookup(ctx context.Context, targetIdentity string) (*model.SourceFile, digest.Digest, error) {
	file, err := o.store.GetFile(ctx, targetIdentity)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	dg, err := digest.Parse(targetIdentity)
	if err != nil {
		return nil, digest.Digest{}, errs.Wrap(errs.Integrity, "orchestrator.lookup", "parse task digest", err)
	}
	return file, dg, nil
}

// commit performs the two-phase write §5 requires: the vector lands in
// the vector store first, and only on that success does the metadata
// binding get inserted. A failure after the vector write but before the
// binding leaves an orphan for the periodic sweeper to reclaim; a failure
// before the vector write never reaches the metadata store at all.
func (o *Orchestrator) commit(ctx context.Context, coll string, m model.Modality, fileID int64, vectorID, fileDigest string, seg model.SegmentRef, vec []float32, ts *model.TimestampMap) error {
	if err := o.vectors.OpenCollection(coll, m, len(vec)); err != nil {
		return errs.Wrap(errs.Integrity, "orchestrator.commit", "open collection", err)
	}
	if err := o.vectors.Upsert(coll, []vectorstore.Vector{{
		ID: vectorID, Values: vec, Payload: map[string]string{"digest": fileDigest},
	}}); err != nil {
		return errs.Wrap(errs.IO, "orchestrator.commit", "write vector", err)
	}
	binding := model.VectorBinding{VectorID: vectorID, FileID: fileID, Segment: seg, Modality: m, Confidence: 1}
	if err := o.store.InsertVectorBinding(ctx, binding, ts); err != nil {
		return errs.Wrap(errs.IO, "orchestrator.commit", "insert vector binding", err)
	}
	return nil
}
