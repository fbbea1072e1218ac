package contentstore

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ManuGH/mediasearch/internal/errs"
)

var bucketCacheEntries = []byte("cache_entries")

// entryRecord is the bbolt-persisted mirror of a PreprocessingCacheEntry.
// It exists purely as a fast, cursor-scannable TTL/last-access index
// (ScanExpired); the metadata store's relational table remains the system of
// record (§4.2), and this index is fully rebuildable from it after loss.
type entryRecord struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	TTL        time.Duration `json:"ttl"`
}

// CacheIndex is a bbolt-backed index over PreprocessingCacheEntry rows,
// keyed by "<digest>/<tag>". ScanExpired finds TTL-expired entries without
// walking the relational store or the filesystem tree; Sweep does not call
// it and walks the filesystem tree instead.
type CacheIndex struct {
	db *bolt.DB
}

// OpenCacheIndex opens (creating if absent) the bbolt database at path.
func OpenCacheIndex(path string) (*CacheIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.IO, "contentstore.cacheindex.open", "open bolt db", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCacheEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.IO, "contentstore.cacheindex.open", "create bucket", err)
	}
	return &CacheIndex{db: db}, nil
}

// Close releases the underlying database handle.
func (c *CacheIndex) Close() error {
	return c.db.Close()
}

func entryIndexKey(digest, tag string) []byte {
	return []byte(digest + "/" + tag)
}

// Record upserts the index entry for (digest, tag), called after every
// successful Store.Put or Store.PutReader.
func (c *CacheIndex) Record(digest, tag, path string, size int64, ttl time.Duration) error {
	rec := entryRecord{Path: path, Size: size, LastAccess: time.Now(), TTL: ttl}
	buf, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.IO, "contentstore.cacheindex.record", "marshal entry", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCacheEntries).Put(entryIndexKey(digest, tag), buf)
	})
}

// Touch refreshes the last-access time of an index entry, called whenever
// a hit is served from the content store without recomputation.
func (c *CacheIndex) Touch(digest, tag string) error {
	key := entryIndexKey(digest, tag)
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCacheEntries)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var rec entryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.LastAccess = time.Now()
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, buf)
	})
}

// Forget removes the index entry for (digest, tag), called alongside
// Store.Delete.
func (c *CacheIndex) Forget(digest, tag string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCacheEntries).Delete(entryIndexKey(digest, tag))
	})
}

// ExpiredEntry is one candidate found by ScanExpired.
type ExpiredEntry struct {
	Digest string
	Tag    string
	Path   string
}

// ScanExpired walks the index via cursor, returning every entry whose
// last-access time plus TTL is before asOf.
func (c *CacheIndex) ScanExpired(asOf time.Time) ([]ExpiredEntry, error) {
	var expired []ExpiredEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCacheEntries).ForEach(func(k, v []byte) error {
			var rec entryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entry rather than fail the whole scan
			}
			if rec.TTL > 0 && asOf.After(rec.LastAccess.Add(rec.TTL)) {
				digest, tag, ok := splitIndexKey(k)
				if !ok {
					return nil
				}
				expired = append(expired, ExpiredEntry{Digest: digest, Tag: tag, Path: rec.Path})
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.IO, "contentstore.cacheindex.scan_expired", "iterate bucket", err)
	}
	return expired, nil
}

func splitIndexKey(k []byte) (digest, tag string, ok bool) {
	s := string(k)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// Stats reports the number of entries currently indexed.
func (c *CacheIndex) Stats() (count int, err error) {
	scanErr := c.db.View(func(tx *bolt.Tx) error {
		stats := tx.Bucket(bucketCacheEntries).Stats()
		count = stats.KeyN
		return nil
	})
	if scanErr != nil {
		return 0, errs.Wrap(errs.IO, "contentstore.cacheindex.stats", "read bucket stats", scanErr)
	}
	return count, nil
}
