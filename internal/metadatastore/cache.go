package metadatastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/model"
)

// UpsertCacheEntry records or refreshes a PreprocessingCacheEntry after the
// content store durably writes an artifact.
func (s *Store) UpsertCacheEntry(ctx context.Context, e model.PreprocessingCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preprocessing_cache_entries (digest, tag, path, size_bytes, last_access_ms, ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest, tag) DO UPDATE SET
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			last_access_ms = excluded.last_access_ms,
			ttl_ms = excluded.ttl_ms`,
		e.Digest, e.Tag, e.Path, e.Size, e.LastAccess.UnixMilli(), e.TTL.Milliseconds())
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.upsert_cache_entry", "upsert preprocessing_cache_entries", err)
	}
	return nil
}

// TouchCacheEntry updates the last-access time of an entry, used whenever
// a worker serves a cached artifact instead of recomputing it.
func (s *Store) TouchCacheEntry(ctx context.Context, digest, tag string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE preprocessing_cache_entries SET last_access_ms = ? WHERE digest = ? AND tag = ?`,
		nowMS(), digest, tag)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.touch_cache_entry", "update last_access", err)
	}
	return nil
}

// GetCacheEntry looks up a single cache entry, returning errs.NotFound on miss.
func (s *Store) GetCacheEntry(ctx context.Context, digest, tag string) (*model.PreprocessingCacheEntry, error) {
	var e model.PreprocessingCacheEntry
	var lastAccessMS, ttlMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT digest, tag, path, size_bytes, last_access_ms, ttl_ms
		FROM preprocessing_cache_entries WHERE digest = ? AND tag = ?`, digest, tag).
		Scan(&e.Digest, &e.Tag, &e.Path, &e.Size, &lastAccessMS, &ttlMS)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "metadatastore.get_cache_entry", "no cache entry for "+digest+"/"+tag)
	}
	if err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.get_cache_entry", "query cache entry", err)
	}
	e.LastAccess = time.UnixMilli(lastAccessMS)
	e.TTL = time.Duration(ttlMS) * time.Millisecond
	return &e, nil
}

// DeleteCacheEntry removes a single cache entry's index row. The caller is
// responsible for deleting the underlying content-store artifact.
func (s *Store) DeleteCacheEntry(ctx context.Context, digest, tag string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM preprocessing_cache_entries WHERE digest = ? AND tag = ?`, digest, tag)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.delete_cache_entry", "delete cache entry", err)
	}
	return nil
}

// DeleteCacheEntriesForDigest removes every cache entry keyed by digest,
// regardless of tag. Called when a SourceFile is purged so the content
// store's next sweep is free to reclaim every artifact derived from it.
func (s *Store) DeleteCacheEntriesForDigest(ctx context.Context, digest string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM preprocessing_cache_entries WHERE digest = ?`, digest)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.delete_cache_entries_for_digest", "delete cache entries", err)
	}
	return nil
}

// IsCacheEntryReferenced reports whether a cache entry exists for
// (digest, tag), which the content store's Sweep uses as its
// keepReferenced predicate: a task currently holding an artifact open
// keeps its index row present even past the entry's nominal TTL.
func (s *Store) IsCacheEntryReferenced(ctx context.Context, digest, tag string) (bool, error) {
	_, err := s.GetCacheEntry(ctx, digest, tag)
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
