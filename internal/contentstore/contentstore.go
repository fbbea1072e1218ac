// Package contentstore implements the durable, blob-addressed storage of
// preprocessing artifacts (resampled audio, extracted video segments,
// thumbnails) described by the metadata store's PreprocessingCacheEntry
// rows. Every artifact is keyed by (source digest, transform tag) and
// written atomically so a crash mid-write never leaves a partial blob
// visible to a reader.
package contentstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/log"
)

// Key identifies one stored artifact: the digest of the SourceFile it was
// derived from, and a tag naming the transform that produced it (e.g.
// "audio_resample_48k_mono", "video_segment_0003", "thumb_320x180").
type Key struct {
	Digest digest.Digest
	Tag    string
}

// path returns the on-disk location of k under root: root/<first2>/<digest>/<tag>.
// Filenames embed no part of the original absolute path, so the whole store
// can be relocated without invalidating existing entries.
func (k Key) path(root string) string {
	return filepath.Join(root, k.Digest.Shard(2), k.Digest.String(), k.Tag)
}

// Store is a content-addressed blob store rooted at a single directory,
// with a bbolt-backed cache index mirroring every artifact's last-access
// time and TTL. Sweep walks the directory tree and does not consult the
// index.
type Store struct {
	root     string
	cacheIdx *CacheIndex
}

// Open returns a Store rooted at dir, creating dir if it does not exist.
// The cache index lives at dir/.cache_index.bolt, alongside the artifacts
// it indexes.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errs.Wrap(errs.IO, "contentstore.open", "create root directory", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "contentstore.open", "resolve root directory", err)
	}
	cacheIdx, err := OpenCacheIndex(filepath.Join(abs, ".cache_index.bolt"))
	if err != nil {
		return nil, err
	}
	return &Store{root: abs, cacheIdx: cacheIdx}, nil
}

// Close releases the cache index's database handle.
func (s *Store) Close() error {
	return s.cacheIdx.Close()
}

// CacheStats reports the number of artifacts currently tracked by the
// cache index, surfaced by the ops HTTP debug route alongside worker-pool
// stats.
func (s *Store) CacheStats() (int, error) {
	return s.cacheIdx.Stats()
}

// RecordCacheMeta mirrors an artifact's metadata into the cache index.
// Callers that write an artifact without going through Put or PutReader
// (streaming codecs that need a plain filesystem path) call this directly
// once the write succeeds.
func (s *Store) RecordCacheMeta(key Key, path string, size int64, ttl time.Duration) error {
	return s.cacheIdx.Record(key.Digest.String(), key.Tag, path, size, ttl)
}

// TouchCacheMeta refreshes an artifact's last-access time in the cache
// index, called whenever a hit is served without recomputation.
func (s *Store) TouchCacheMeta(key Key) error {
	return s.cacheIdx.Touch(key.Digest.String(), key.Tag)
}

// Put durably writes b under key and returns the blob's final path. The
// write is atomic: content lands in a temp file beside the destination,
// is fsynced, then renamed into place, so concurrent readers never observe
// a partially-written blob.
func (s *Store) Put(key Key, b []byte, ttl time.Duration) (string, error) {
	dst := key.path(s.root)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put", "create artifact directory", err)
	}

	pf, err := renameio.NewPendingFile(dst)
	if err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put", "create pending file", err)
	}
	defer func() {
		if cerr := pf.Cleanup(); cerr != nil {
			log.L().Debug().Err(cerr).Str("path", dst).Msg("contentstore: cleanup pending file")
		}
	}()

	n, err := pf.Write(b)
	if err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put", "write artifact bytes", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put", "atomically replace artifact", err)
	}
	if err := s.RecordCacheMeta(key, dst, int64(n), ttl); err != nil {
		log.L().Warn().Err(err).Str("path", dst).Msg("contentstore: record cache meta failed")
	}
	return dst, nil
}

// PutReader is like Put but streams r directly to the temp file without
// buffering the whole artifact in memory, for large video segments.
func (s *Store) PutReader(key Key, r io.Reader, ttl time.Duration) (string, error) {
	dst := key.path(s.root)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put_reader", "create artifact directory", err)
	}

	pf, err := renameio.NewPendingFile(dst)
	if err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put_reader", "create pending file", err)
	}
	defer func() {
		if cerr := pf.Cleanup(); cerr != nil {
			log.L().Debug().Err(cerr).Str("path", dst).Msg("contentstore: cleanup pending file")
		}
	}()

	n, err := io.Copy(pf, r)
	if err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put_reader", "stream artifact bytes", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", errs.Wrap(errs.IO, "contentstore.put_reader", "atomically replace artifact", err)
	}
	if err := s.RecordCacheMeta(key, dst, n, ttl); err != nil {
		log.L().Warn().Err(err).Str("path", dst).Msg("contentstore: record cache meta failed")
	}
	return dst, nil
}

// Get returns the bytes stored under key. A miss is reported via
// errs.NotFound and is a normal outcome: callers recompute rather than
// treat it as a failure.
func (s *Store) Get(key Key) ([]byte, error) {
	b, err := os.ReadFile(key.path(s.root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "contentstore.get", fmt.Sprintf("no artifact for %s/%s", key.Digest, key.Tag))
		}
		return nil, errs.Wrap(errs.IO, "contentstore.get", "read artifact", err)
	}
	if err := s.TouchCacheMeta(key); err != nil {
		log.L().Debug().Err(err).Str("digest", key.Digest.String()).Str("tag", key.Tag).Msg("contentstore: touch cache meta failed")
	}
	return b, nil
}

// Path returns the on-disk path that would hold key, without checking for
// existence. Preprocessors that decode large media use this to stream
// directly into a codec that wants a filesystem path.
func (s *Store) Path(key Key) string {
	return key.path(s.root)
}

// Delete removes the artifact stored under key. Deleting an absent key is
// not an error.
func (s *Store) Delete(key Key) error {
	if err := os.Remove(key.path(s.root)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IO, "contentstore.delete", "remove artifact", err)
	}
	if err := s.cacheIdx.Forget(key.Digest.String(), key.Tag); err != nil {
		log.L().Warn().Err(err).Str("digest", key.Digest.String()).Str("tag", key.Tag).Msg("contentstore: forget cache meta failed")
	}
	return nil
}

// Referenced reports, for a given digest, whether a PreprocessingCacheEntry
// still references it. Sweep calls this once per candidate before
// deleting so a task currently holding an artifact open is never collected
// out from under it.
type Referenced func(d digest.Digest, tag string) (bool, error)

// Sweep walks the store removing artifacts whose file mtime is older
// than olderThan and which keepReferenced reports as no longer referenced
// by any cache entry. It is bounded by wall-clock via deadline and returns
// the count of artifacts removed.
func (s *Store) Sweep(olderThan time.Time, deadline time.Time, keepReferenced Referenced) (int, error) {
	removed := 0
	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.Wrap(errs.IO, "contentstore.sweep", "list shards", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		digestDirs, err := os.ReadDir(shardPath)
		if err != nil {
			log.L().Warn().Err(err).Str("shard", shardPath).Msg("contentstore: list digest dirs")
			continue
		}

		for _, dd := range digestDirs {
			if time.Now().After(deadline) {
				return removed, nil
			}
			if !dd.IsDir() {
				continue
			}
			d, err := digest.Parse(dd.Name())
			if err != nil {
				continue
			}
			digestPath := filepath.Join(shardPath, dd.Name())
			tags, err := os.ReadDir(digestPath)
			if err != nil {
				continue
			}
			for _, tagEntry := range tags {
				info, err := tagEntry.Info()
				if err != nil || info.ModTime().After(olderThan) {
					continue
				}
				kept, err := keepReferenced(d, tagEntry.Name())
				if err != nil {
					log.L().Warn().Err(err).Str("digest", d.String()).Str("tag", tagEntry.Name()).Msg("contentstore: reference check failed, skipping")
					continue
				}
				if kept {
					continue
				}
				if err := os.Remove(filepath.Join(digestPath, tagEntry.Name())); err != nil {
					log.L().Warn().Err(err).Msg("contentstore: sweep remove failed")
					continue
				}
				if err := s.cacheIdx.Forget(d.String(), tagEntry.Name()); err != nil {
					log.L().Warn().Err(err).Msg("contentstore: sweep forget cache meta failed")
				}
				removed++
			}
			// Best-effort cleanup of now-empty digest directory.
			_ = os.Remove(digestPath)
		}
		_ = os.Remove(shardPath)
	}
	return removed, nil
}
