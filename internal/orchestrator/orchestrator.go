// Package orchestrator implements the ingestion orchestrator (C9): for
// every file the scanner observes, it drives scan -> dedupe -> filter ->
// preprocess -> embed -> store as a dependency-ordered task group, and
// wires the scanner's create/modify/delete events into the metadata
// store's upsert/detach/enqueue calls per §4.7's event-semantics table.
package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/ManuGH/mediasearch/internal/embedding"
	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/log"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/noisefilter"
	"github.com/ManuGH/mediasearch/internal/preprocess"
	"github.com/ManuGH/mediasearch/internal/scanner"
	"github.com/ManuGH/mediasearch/internal/vectorstore"
)

// Orchestrator owns the scan-to-commit pipeline's task-group construction
// and the task handlers that execute each stage.
type Orchestrator struct {
	store      *metadatastore.Store
	codec      preprocess.Codec
	preprocess *preprocess.Processor
	embed      *embedding.Service
	vectors    *vectorstore.Store
	thresholds noisefilter.Thresholds
}

// New constructs an Orchestrator wired to every downstream component it
// drives a file through.
func New(store *metadatastore.Store, codec preprocess.Codec, proc *preprocess.Processor, embed *embedding.Service, vectors *vectorstore.Store, thresholds noisefilter.Thresholds) *Orchestrator {
	return &Orchestrator{store: store, codec: codec, preprocess: proc, embed: embed, vectors: vectors, thresholds: thresholds}
}

// collection returns the vector-store collection name for a modality. One
// collection per modality keeps dimension-consistency checking (§3) scoped
// correctly, since distinct modalities are never produced by the same
// embedding backend.
func collection(m model.Modality) string {
	return string(m)
}

// HandleObservation is the initial-scan entry point (§4.7): it upserts the
// observed file and, only when the digest is new to the store, enqueues
// the scan task that drives the rest of the pipeline. A path re-observed
// at an unchanged digest is a no-op, matching "upsert_file/enqueue or
// no-op as appropriate".
func (o *Orchestrator) HandleObservation(ctx context.Context, obs scanner.Observation) error {
	digest := obs.Digest.String()
	_, isNew, refDelta, err := o.store.UpsertFile(ctx, digest, obs.Path, obs.ModTime, obs.Size, model.Modality(obs.Modality))
	if err != nil {
		return err
	}
	if !isNew && refDelta == 0 {
		return nil
	}
	return o.enqueueScan(ctx, digest, obs.Path)
}

// HandleBatch dispatches a batch of debounced watch events in order,
// collecting (rather than aborting on) per-event errors so one bad path
// never blocks its batch-mates, matching the scanner's own per-event
// error-tolerant contract.
func (o *Orchestrator) HandleBatch(ctx context.Context, batch []scanner.Event) error {
	var firstErr error
	for _, ev := range batch {
		if err := o.HandleEvent(ctx, ev); err != nil {
			log.L().Warn().Err(err).Str("path", ev.Path).Str("kind", string(ev.Kind)).Msg("orchestrator: event handling failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HandleEvent applies one coalesced filesystem event per the §4.7 table.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev scanner.Event) error {
	switch ev.Kind {
	case scanner.EventCreated:
		return o.handleCreate(ctx, ev)
	case scanner.EventModified:
		return o.handleModify(ctx, ev)
	case scanner.EventDeleted:
		return o.handleDelete(ctx, ev)
	default:
		return errs.New(errs.Config, "orchestrator.handle_event", "unknown event kind")
	}
}

// handleCreate mirrors HandleObservation's dedup rule: a path bound to a
// digest that is already known to the store (isNew false, refDelta zero,
// meaning this exact path was already attached) is a no-op, so a watcher
// restart or a redundant create event never re-triggers embedding work
// against an already-indexed file.
func (o *Orchestrator) handleCreate(ctx context.Context, ev scanner.Event) error {
	digest := ev.Digest.String()
	size, modTime := statFile(ev.Path)
	_, isNew, refDelta, err := o.store.UpsertFile(ctx, digest, ev.Path, modTime, size, model.Modality(ev.Modality))
	if err != nil {
		return err
	}
	if !isNew && refDelta == 0 {
		return nil
	}
	return o.enqueueScan(ctx, digest, ev.Path)
}

// handleModify recomputes against the digest the watcher already attached
// to the event. An unchanged digest only refreshes the recorded
// modification time; a changed digest detaches the stale binding and
// rebinds the path to the new identity before enqueuing a fresh scan.
func (o *Orchestrator) handleModify(ctx context.Context, ev scanner.Event) error {
	digest := ev.Digest.String()
	existing, found, err := o.store.DigestForPath(ctx, ev.Path)
	if err != nil {
		return err
	}
	if found && existing == digest {
		_, modTime := statFile(ev.Path)
		return o.store.TouchFile(ctx, digest, modTime)
	}

	if found {
		if _, _, err := o.store.DetachPath(ctx, ev.Path); err != nil {
			return err
		}
	}

	size, modTime := statFile(ev.Path)
	_, isNew, refDelta, err := o.store.UpsertFile(ctx, digest, ev.Path, modTime, size, model.Modality(ev.Modality))
	if err != nil {
		return err
	}
	if !isNew && refDelta == 0 {
		return nil
	}
	return o.enqueueScan(ctx, digest, ev.Path)
}

// handleDelete detaches the path; once the owning file's reference count
// reaches zero, its vectors and derived artifacts are orphaned and a purge
// task is enqueued to reclaim them.
func (o *Orchestrator) handleDelete(ctx context.Context, ev scanner.Event) error {
	fileID, refCount, err := o.store.DetachPath(ctx, ev.Path)
	if err != nil {
		return err
	}
	if fileID == nil || refCount > 0 {
		return nil
	}
	file, err := o.store.GetFileByID(ctx, *fileID)
	if err != nil {
		return err
	}
	_, err = o.store.EnqueueTask(ctx, model.Task{
		Type:           model.TaskTypeDeleteOrphans,
		TargetIdentity: file.Digest,
		Priority:       model.TaskTypeDeleteOrphans.BasePriority(),
	})
	return err
}

// enqueueScan files the entry point of the task group: a file_scan task
// that runs the noise filter and, on acceptance, builds the
// modality-specific preprocess/embed chain.
func (o *Orchestrator) enqueueScan(ctx context.Context, digest, path string) error {
	_, err := o.store.EnqueueTask(ctx, model.Task{
		Type:           model.TaskTypeFileScan,
		TargetIdentity: digest,
		TargetPath:     path,
		Priority:       model.TaskTypeFileScan.BasePriority(),
	})
	return err
}

// statFile returns zero values when path is unreadable (already deleted,
// permission change mid-event) rather than failing the whole event; the
// downstream upsert still records the observation with best-effort sizing.
func statFile(path string) (size int64, modTime time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Now()
	}
	return info.Size(), info.ModTime()
}
