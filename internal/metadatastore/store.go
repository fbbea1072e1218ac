// Package metadatastore is the single authoritative store for every entity
// in the engine: SourceFile, its paths, video/audio segmentation, vector
// bindings, timestamp maps, tasks, and the preprocessing cache index. It is
// backed by SQLite in WAL mode; SQLite's own single-writer lock is what
// gives the dispatch-selection query its two-workers-never-collide
// guarantee (§5 of the design: the query, the state transition, and the
// pipeline-group lock acquisition are one transaction).
package metadatastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/persistence/sqlite"
)

const schemaVersion = 2

// Store is the metadata store handle.
type Store struct {
	db *sql.DB
}

// Open creates or upgrades the SQLite database at dbPath and returns a
// ready-to-use Store.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Config, "metadatastore.open", "schema migration failed", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const schema = `
	CREATE TABLE IF NOT EXISTS source_files (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		digest        TEXT NOT NULL UNIQUE,
		modality      TEXT NOT NULL,
		size_bytes    INTEGER NOT NULL,
		mod_time_ms   INTEGER NOT NULL,
		create_time_ms INTEGER NOT NULL,
		state         TEXT NOT NULL,
		ref_count     INTEGER NOT NULL DEFAULT 0,
		fail_reason   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_source_files_state ON source_files(state);

	CREATE TABLE IF NOT EXISTS source_file_paths (
		file_id INTEGER NOT NULL REFERENCES source_files(id) ON DELETE CASCADE,
		path    TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_source_file_paths_file ON source_file_paths(file_id);

	CREATE TABLE IF NOT EXISTS video_metadata (
		file_id       INTEGER PRIMARY KEY REFERENCES source_files(id) ON DELETE CASCADE,
		duration_secs REAL NOT NULL,
		frame_rate    REAL NOT NULL,
		width         INTEGER NOT NULL,
		height        INTEGER NOT NULL,
		segment_count INTEGER NOT NULL,
		is_short      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS video_segments (
		file_id     INTEGER NOT NULL REFERENCES source_files(id) ON DELETE CASCADE,
		idx         INTEGER NOT NULL,
		start_secs  REAL NOT NULL,
		end_secs    REAL NOT NULL,
		is_full_clip INTEGER NOT NULL,
		PRIMARY KEY (file_id, idx)
	);

	CREATE TABLE IF NOT EXISTS audio_segments (
		file_id    INTEGER NOT NULL REFERENCES source_files(id) ON DELETE CASCADE,
		idx        INTEGER NOT NULL,
		start_secs REAL NOT NULL,
		end_secs   REAL NOT NULL,
		PRIMARY KEY (file_id, idx)
	);

	CREATE TABLE IF NOT EXISTS vector_bindings (
		vector_id    TEXT PRIMARY KEY,
		file_id      INTEGER NOT NULL REFERENCES source_files(id) ON DELETE CASCADE,
		segment_idx  INTEGER,
		has_segment  INTEGER NOT NULL,
		modality     TEXT NOT NULL,
		confidence   REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_vector_bindings_file ON vector_bindings(file_id);

	CREATE TABLE IF NOT EXISTS timestamp_maps (
		vector_id  TEXT PRIMARY KEY REFERENCES vector_bindings(vector_id) ON DELETE CASCADE,
		start_secs REAL NOT NULL,
		end_secs   REAL NOT NULL,
		modality   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		type                TEXT NOT NULL,
		target_identity     TEXT NOT NULL,
		target_path         TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		base_priority       INTEGER NOT NULL,
		file_bonus          INTEGER NOT NULL DEFAULT 0,
		type_bonus          INTEGER NOT NULL DEFAULT 0,
		created_at_ms       INTEGER NOT NULL,
		transitioned_at_ms  INTEGER NOT NULL,
		attempt             INTEGER NOT NULL DEFAULT 0,
		max_attempts        INTEGER NOT NULL DEFAULT 3,
		pipeline_group      TEXT NOT NULL,
		fail_reason         TEXT,
		result_payload      TEXT,
		progress            REAL NOT NULL DEFAULT 0,
		next_eligible_at_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, type, pipeline_group);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id       INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		PRIMARY KEY (task_id, depends_on_id)
	);

	CREATE TABLE IF NOT EXISTS preprocessing_cache_entries (
		digest       TEXT NOT NULL,
		tag          TEXT NOT NULL,
		path         TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL,
		last_access_ms INTEGER NOT NULL,
		ttl_ms       INTEGER NOT NULL,
		PRIMARY KEY (digest, tag)
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// UpsertFile inserts the digest row when absent and always inserts the
// path row, returning whether the digest was newly created and whether the
// reference count grew (a new path on an existing digest still counts as
// growth; a duplicate path for the same digest does not).
func (s *Store) UpsertFile(ctx context.Context, digest string, path string, modTime time.Time, size int64, modality model.Modality) (fileID int64, isNew bool, refDelta int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM source_files WHERE digest = ?`, digest).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO source_files (digest, modality, size_bytes, mod_time_ms, create_time_ms, state, ref_count)
			VALUES (?, ?, ?, ?, ?, ?, 0)`,
			digest, string(modality), size, modTime.UnixMilli(), nowMS(), string(model.FileStatePending))
		if execErr != nil {
			return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "insert source_files", execErr)
		}
		fileID, err = res.LastInsertId()
		if err != nil {
			return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "read inserted id", err)
		}
		isNew = true
	case err != nil:
		return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "lookup existing digest", err)
	default:
		fileID = existingID
	}

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO source_file_paths (file_id, path) VALUES (?, ?)`, fileID, path)
	if err != nil {
		return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "insert path", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "read rows affected", err)
	}
	if affected > 0 {
		refDelta = 1
		if _, err := tx.ExecContext(ctx, `UPDATE source_files SET ref_count = ref_count + 1 WHERE id = ?`, fileID); err != nil {
			return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "bump ref_count", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, 0, errs.Wrap(errs.IO, "metadatastore.upsert_file", "commit", err)
	}
	return fileID, isNew, refDelta, nil
}

// DetachPath removes a path binding. When the resulting reference count is
// zero the caller must enqueue a delete-orphans task; this method only
// reports the count, it does not enqueue.
func (s *Store) DetachPath(ctx context.Context, path string) (fileID *int64, refCountAfter int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, errs.Wrap(errs.IO, "metadatastore.detach_path", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT file_id FROM source_file_paths WHERE path = ?`, path).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errs.Wrap(errs.IO, "metadatastore.detach_path", "lookup path", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_file_paths WHERE path = ?`, path); err != nil {
		return nil, 0, errs.Wrap(errs.IO, "metadatastore.detach_path", "delete path", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE source_files SET ref_count = ref_count - 1 WHERE id = ?`, id); err != nil {
		return nil, 0, errs.Wrap(errs.IO, "metadatastore.detach_path", "decrement ref_count", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM source_files WHERE id = ?`, id).Scan(&refCountAfter); err != nil {
		return nil, 0, errs.Wrap(errs.IO, "metadatastore.detach_path", "read ref_count", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, errs.Wrap(errs.IO, "metadatastore.detach_path", "commit", err)
	}
	return &id, refCountAfter, nil
}

// DigestForPath reports the content digest currently bound to path, used by
// the orchestrator's modify handler to decide whether an OS-level write
// actually changed the file's bytes before deciding whether to detach and
// rebind the path to a new identity.
func (s *Store) DigestForPath(ctx context.Context, path string) (string, bool, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `
		SELECT sf.digest FROM source_files sf
		JOIN source_file_paths sfp ON sfp.file_id = sf.id
		WHERE sfp.path = ?`, path).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.IO, "metadatastore.digest_for_path", "lookup path binding", err)
	}
	return digest, true, nil
}

// TouchFile updates a SourceFile's recorded modification time without
// touching its identity or state, used when a filesystem write leaves the
// file's digest unchanged (the common case for a touch or metadata-only
// rewrite).
func (s *Store) TouchFile(ctx context.Context, digest string, modTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE source_files SET mod_time_ms = ? WHERE digest = ?`, modTime.UnixMilli(), digest)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.touch_file", "update mod_time", err)
	}
	return nil
}

// TransitionFile performs a compare-and-swap state change, failing with
// errs.Integrity if the file's actual state is not from.
func (s *Store) TransitionFile(ctx context.Context, fileID int64, from, to model.FileState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE source_files SET state = ? WHERE id = ? AND state = ?`, string(to), fileID, string(from))
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.transition_file", "update state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.transition_file", "read rows affected", err)
	}
	if affected == 0 {
		return errs.New(errs.Integrity, "metadatastore.transition_file", fmt.Sprintf("file %d is not in state %s", fileID, from))
	}
	return nil
}

// SetFailReason records the failure detail for a file transitioning to
// FileStateFailed.
func (s *Store) SetFailReason(ctx context.Context, fileID int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE source_files SET fail_reason = ? WHERE id = ?`, reason, fileID)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.set_fail_reason", "update fail_reason", err)
	}
	return nil
}

// GetFile returns the SourceFile row for the given digest.
func (s *Store) GetFile(ctx context.Context, digest string) (*model.SourceFile, error) {
	var f model.SourceFile
	var modTimeMS, createTimeMS int64
	var failReason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, digest, modality, size_bytes, mod_time_ms, create_time_ms, state, ref_count, fail_reason
		FROM source_files WHERE digest = ?`, digest).Scan(
		&f.ID, &f.Digest, &f.Modality, &f.Size, &modTimeMS, &createTimeMS, &f.State, &f.RefCount, &failReason)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "metadatastore.get_file", "no source file for digest "+digest)
	}
	if err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.get_file", "query source_files", err)
	}
	f.ModTime = time.UnixMilli(modTimeMS)
	f.CreateTime = time.UnixMilli(createTimeMS)
	f.FailReason = failReason.String
	return &f, nil
}

// GetFileByID returns the SourceFile row for an internal file id.
func (s *Store) GetFileByID(ctx context.Context, fileID int64) (*model.SourceFile, error) {
	var digest string
	if err := s.db.QueryRowContext(ctx, `SELECT digest FROM source_files WHERE id = ?`, fileID).Scan(&digest); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "metadatastore.get_file_by_id", fmt.Sprintf("no source file %d", fileID))
		}
		return nil, errs.Wrap(errs.IO, "metadatastore.get_file_by_id", "query digest", err)
	}
	return s.GetFile(ctx, digest)
}

// Paths returns every path currently bound to fileID.
func (s *Store) Paths(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM source_file_paths WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.paths", "query source_file_paths", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errs.Wrap(errs.IO, "metadatastore.paths", "scan path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// RecordVideoMetadata upserts the whole-file attributes of a video SourceFile.
func (s *Store) RecordVideoMetadata(ctx context.Context, m model.VideoMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_metadata (file_id, duration_secs, frame_rate, width, height, segment_count, is_short)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			duration_secs = excluded.duration_secs,
			frame_rate = excluded.frame_rate,
			width = excluded.width,
			height = excluded.height,
			segment_count = excluded.segment_count,
			is_short = excluded.is_short`,
		m.FileID, m.DurationSecs, m.FrameRate, m.Width, m.Height, m.SegmentCount, boolToInt(m.IsShortVideo))
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.record_video_metadata", "upsert video_metadata", err)
	}
	return nil
}

// RecordSegments transactionally replaces the video and audio segments of
// fileID. It is the metadata-store half of the two-phase write described
// for vector writes: callers insert segments and the corresponding vector
// bindings inside the same outer step, recomputing rather than partially
// committing if the vector-store write that follows fails.
func (s *Store) RecordSegments(ctx context.Context, fileID int64, video []model.VideoSegment, audio []model.AudioSegment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.record_segments", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM video_segments WHERE file_id = ?`, fileID); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.record_segments", "clear video_segments", err)
	}
	for _, seg := range video {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO video_segments (file_id, idx, start_secs, end_secs, is_full_clip) VALUES (?, ?, ?, ?, ?)`,
			fileID, seg.Index, seg.StartSecs, seg.EndSecs, boolToInt(seg.IsFullClip)); err != nil {
			return errs.Wrap(errs.IO, "metadatastore.record_segments", "insert video_segment", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_segments WHERE file_id = ?`, fileID); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.record_segments", "clear audio_segments", err)
	}
	for _, seg := range audio {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audio_segments (file_id, idx, start_secs, end_secs) VALUES (?, ?, ?, ?)`,
			fileID, seg.Index, seg.StartSecs, seg.EndSecs); err != nil {
			return errs.Wrap(errs.IO, "metadatastore.record_segments", "insert audio_segment", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.record_segments", "commit", err)
	}
	return nil
}

// InsertVectorBinding records that vectorID (already written to the vector
// store by the caller) describes fileID/segment, along with its temporal
// map. This is always called after a successful vector-store write, never
// before: if the metadata write fails, the caller deletes the orphaned
// vector rather than leaving an unreferenced entry dangling (§5 two-phase
// write).
func (s *Store) InsertVectorBinding(ctx context.Context, b model.VectorBinding, ts *model.TimestampMap) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.insert_vector_binding", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var segIdx sql.NullInt64
	if b.Segment.Valid {
		segIdx = sql.NullInt64{Int64: int64(b.Segment.Index), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vector_bindings (vector_id, file_id, segment_idx, has_segment, modality, confidence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.VectorID, b.FileID, segIdx, boolToInt(b.Segment.Valid), string(b.Modality), b.Confidence); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.insert_vector_binding", "insert vector_bindings", err)
	}

	if ts != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO timestamp_maps (vector_id, start_secs, end_secs, modality) VALUES (?, ?, ?, ?)`,
			b.VectorID, ts.StartSecs, ts.EndSecs, string(ts.Modality)); err != nil {
			return errs.Wrap(errs.IO, "metadatastore.insert_vector_binding", "insert timestamp_maps", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.insert_vector_binding", "commit", err)
	}
	return nil
}

// DeleteVectorBindingsForFile removes every vector binding (and its
// timestamp map, via cascade) that describes fileID. Called by the orphan
// sweeper after the corresponding vector-store deletes succeed.
func (s *Store) DeleteVectorBindingsForFile(ctx context.Context, fileID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vector_bindings WHERE file_id = ?`, fileID)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.delete_vector_bindings", "delete vector_bindings", err)
	}
	return nil
}

// VectorIDsForFile lists every vector id bound to fileID, used by the
// orphan sweeper to know what to delete from the vector store before
// deleting the metadata rows.
func (s *Store) VectorIDsForFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vector_id FROM vector_bindings WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.vector_ids_for_file", "query vector_bindings", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.IO, "metadatastore.vector_ids_for_file", "scan vector_id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BindingForVector resolves a vector id to the SourceFile it belongs to,
// its segment reference, and its timestamp map when one was recorded —
// everything the search engine's enrichment stage (§4.10 step 3) needs to
// turn a bare vector-store hit into a result the caller can act on.
func (s *Store) BindingForVector(ctx context.Context, vectorID string) (*model.VectorBinding, *model.SourceFile, *model.TimestampMap, error) {
	var b model.VectorBinding
	var segIdx sql.NullInt64
	var hasSegment int
	row := s.db.QueryRowContext(ctx, `
		SELECT vector_id, file_id, segment_idx, has_segment, modality, confidence
		FROM vector_bindings WHERE vector_id = ?`, vectorID)
	if err := row.Scan(&b.VectorID, &b.FileID, &segIdx, &hasSegment, &b.Modality, &b.Confidence); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil, errs.New(errs.NotFound, "metadatastore.binding_for_vector", "no binding for vector id")
		}
		return nil, nil, nil, errs.Wrap(errs.IO, "metadatastore.binding_for_vector", "query vector_bindings", err)
	}
	b.Segment.Valid = hasSegment != 0
	if segIdx.Valid {
		b.Segment.Index = int(segIdx.Int64)
	}

	file, err := s.GetFileByID(ctx, b.FileID)
	if err != nil {
		return nil, nil, nil, err
	}

	var ts *model.TimestampMap
	var tm model.TimestampMap
	tsRow := s.db.QueryRowContext(ctx, `SELECT start_secs, end_secs, modality FROM timestamp_maps WHERE vector_id = ?`, vectorID)
	switch err := tsRow.Scan(&tm.StartSecs, &tm.EndSecs, &tm.Modality); err {
	case nil:
		ts = &tm
	case sql.ErrNoRows:
		ts = nil
	default:
		return nil, nil, nil, errs.Wrap(errs.IO, "metadatastore.binding_for_vector", "query timestamp_maps", err)
	}

	return &b, file, ts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
