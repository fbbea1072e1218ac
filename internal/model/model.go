// Package model defines the entity types and state enums shared by the
// metadata store, task engine, and ingestion orchestrator. These types are
// the in-memory projection of the relations the metadata store persists;
// they carry no storage-specific detail.
package model

import "time"

// Modality classifies a SourceFile or Vector by the media type it carries.
type Modality string

const (
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// FileState is the indexing lifecycle of a SourceFile.
type FileState string

const (
	FileStatePending    FileState = "pending"
	FileStateProcessing FileState = "processing"
	FileStateIndexed    FileState = "indexed"
	FileStateSkipped    FileState = "skipped"
	FileStateFailed     FileState = "failed"
)

// IsTerminal reports whether s is a state the scheduler will not advance
// further without an external trigger (a file modification or re-index).
func (s FileState) IsTerminal() bool {
	switch s {
	case FileStateIndexed, FileStateSkipped, FileStateFailed:
		return true
	}
	return false
}

// TaskStatus is the lifecycle of a Task row.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"

	// TaskCancelling marks a running task whose cancellation has been
	// requested but not yet observed by the worker holding it. There is no
	// hard kill: the worker checkpoints between units of work, notices this
	// status, and finalizes the task to TaskCancelled itself.
	TaskCancelling TaskStatus = "cancelling"
)

// IsTerminal reports whether a task in this status will never transition
// again without being explicitly requeued.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskType enumerates the kinds of work the task engine dispatches.
type TaskType string

const (
	TaskTypeConfigLoad      TaskType = "config_load"
	TaskTypeDatabaseInit    TaskType = "database_init"
	TaskTypeVectorStoreInit TaskType = "vector_store_init"

	TaskTypeFileEmbedText  TaskType = "file_embed_text"
	TaskTypeFileEmbedImage TaskType = "file_embed_image"

	TaskTypeFileScan TaskType = "file_scan"

	TaskTypeVideoSlice     TaskType = "video_slice"
	TaskTypeFileEmbedVideo TaskType = "file_embed_video"

	TaskTypeAudioSegment   TaskType = "audio_segment"
	TaskTypeFileEmbedAudio TaskType = "file_embed_audio"

	TaskTypeSearch           TaskType = "search"
	TaskTypeSearchMultimodal TaskType = "search_multimodal"

	TaskTypeRankResults   TaskType = "rank_results"
	TaskTypeFilterResults TaskType = "filter_results"

	TaskTypeThumbnailGenerate TaskType = "thumbnail_generate"
	TaskTypePreviewGenerate   TaskType = "preview_generate"

	// TaskTypeDeleteOrphans is not named in the priority table; it carries
	// out the purge §4.7 requires once a SourceFile's reference count
	// reaches zero, and runs in the I/O pool at the filter_results priority
	// band since it is housekeeping rather than a user-facing hot path.
	TaskTypeDeleteOrphans TaskType = "delete_orphans"
)

// BasePriority returns the task type's default priority band (lower runs
// first), per the priority table: 0 is bootstrap, 1 the embedding hot
// path, rising through preprocessing, search, ranking, and finally
// thumbnailing.
func (t TaskType) BasePriority() int {
	switch t {
	case TaskTypeConfigLoad, TaskTypeDatabaseInit, TaskTypeVectorStoreInit:
		return 0
	case TaskTypeFileEmbedText, TaskTypeFileEmbedImage:
		return 1
	case TaskTypeFileScan:
		return 2
	case TaskTypeVideoSlice, TaskTypeFileEmbedVideo:
		return 3
	case TaskTypeAudioSegment, TaskTypeFileEmbedAudio:
		return 4
	case TaskTypeSearch, TaskTypeSearchMultimodal:
		return 5
	case TaskTypeRankResults, TaskTypeFilterResults, TaskTypeDeleteOrphans:
		return 6
	case TaskTypeThumbnailGenerate, TaskTypePreviewGenerate:
		return 7
	default:
		return 5
	}
}

// Pool names the worker pool a task type dispatches on.
type Pool string

const (
	PoolEmbedding Pool = "embedding"
	PoolIO        Pool = "io"
	PoolTask      Pool = "task"
)

// Pool returns the worker pool this task type is dispatched on: embedding
// for the accelerator-bound inference calls, I/O for hashing/file/DB work,
// task for everything else (segmenting, ranking, thumbnailing).
func (t TaskType) Pool() Pool {
	switch t {
	case TaskTypeFileEmbedText, TaskTypeFileEmbedImage, TaskTypeFileEmbedVideo, TaskTypeFileEmbedAudio:
		return PoolEmbedding
	case TaskTypeFileScan, TaskTypeDatabaseInit, TaskTypeVectorStoreInit, TaskTypeDeleteOrphans:
		return PoolIO
	default:
		return PoolTask
	}
}

// SourceFile is a file observed on disk, identified by the content digest
// of its bytes. A single identity may be referenced by more than one path.
type SourceFile struct {
	ID         int64
	Digest     string
	Modality   Modality
	Size       int64
	ModTime    time.Time
	CreateTime time.Time
	State      FileState
	RefCount   int
	FailReason string
}

// SourceFilePath is one filesystem path bound to a SourceFile identity.
type SourceFilePath struct {
	FileID int64
	Path   string
}

// VideoMetadata holds whole-file attributes for a video SourceFile.
type VideoMetadata struct {
	FileID       int64
	DurationSecs float64
	FrameRate    float64
	Width        int
	Height       int
	SegmentCount int
	IsShortVideo bool

	// Capped records that this file exceeded the configured size/duration
	// ceiling for indexing (§4.6: >3GB or >30min), in which case only the
	// first IndexedDurationSecs of the stream were segmented and embedded.
	// This never limits playback, only indexing depth.
	Capped             bool
	IndexedDurationSecs float64
}

// VideoSegment is one temporal slice of a video SourceFile.
type VideoSegment struct {
	FileID     int64
	Index      int
	StartSecs  float64
	EndSecs    float64
	IsFullClip bool
}

// AudioSegment is one temporal slice of a standalone audio SourceFile.
type AudioSegment struct {
	FileID    int64
	Index     int
	StartSecs float64
	EndSecs   float64
}

// SegmentRef identifies a segment within a SourceFile, or the zero value
// for file-level (non-segmented) vectors.
type SegmentRef struct {
	Valid bool
	Index int
}

// VectorBinding records that a vector with the given ID in the vector
// store describes this file (and, for video/audio, this segment).
type VectorBinding struct {
	VectorID   string
	FileID     int64
	Segment    SegmentRef
	Modality   Modality
	Confidence float64
}

// TimestampMap reconstructs the temporal offset a vector represents.
type TimestampMap struct {
	VectorID  string
	StartSecs float64
	EndSecs   float64
	Modality  Modality
}

// Task is one unit of dispatchable work.
type Task struct {
	ID             int64
	Type           TaskType
	TargetIdentity string // digest for file-scoped tasks
	TargetPath     string
	Status         TaskStatus
	Priority       int
	FileBonus      int
	TypeBonus      int
	CreatedAt      time.Time
	TransitionedAt time.Time
	Attempt        int
	MaxAttempts    int
	Dependencies   []int64
	PipelineGroup  string
	FailReason     string
	ResultPayload  string
	Progress       float64
}

// PreprocessingCacheEntry indexes one artifact held in the content store.
type PreprocessingCacheEntry struct {
	Digest     string
	Tag        string
	Path       string
	Size       int64
	LastAccess time.Time
	TTL        time.Duration
}
