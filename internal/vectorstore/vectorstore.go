// Package vectorstore holds one ANN-like collection per modality, backed by
// an embedded badger database. Collections are typed by (modality,
// dimension); the dimension is read from the active embedding model the
// first time a collection is opened and persisted, so a later model swap
// that changes dimensionality fails loudly instead of corrupting the index.
//
// There is no true ANN index here: search is an exhaustive cosine-similarity
// scan over the collection's vectors. That is an explicit, documented
// trade-off for a single-host engine at the scale this system targets (see
// the design notes on index strategy); badger still earns its place as the
// durable, crash-safe storage layer underneath the scan.
package vectorstore

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/model"
)

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// Filter restricts a search to vectors whose payload matches. A nil Filter
// matches everything.
type Filter func(payload map[string]string) bool

type storedVector struct {
	ID      string            `json:"id"`
	Vector  []float32         `json:"vector"`
	Payload map[string]string `json:"payload"`
}

// Store is the vector database handle, holding every modality's collection
// in one badger instance, namespaced by key prefix.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "vectorstore.open", "open badger db", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func collectionMetaKey(collection string) []byte {
	return []byte("meta:" + collection)
}

func vectorKey(collection, id string) []byte {
	return []byte("vec:" + collection + ":" + id)
}

func vectorPrefix(collection string) []byte {
	return []byte("vec:" + collection + ":")
}

// OpenCollection records the (modality, dimension) pair for collection if
// it has never been opened before; on subsequent calls it verifies the
// requested dimension matches what was persisted, failing explicitly on
// mismatch rather than silently truncating or padding vectors.
func (s *Store) OpenCollection(collection string, modality model.Modality, dimension int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(collectionMetaKey(collection))
		if err == badger.ErrKeyNotFound {
			meta := collectionMeta{Modality: string(modality), Dimension: dimension}
			buf, merr := json.Marshal(meta)
			if merr != nil {
				return merr
			}
			return txn.Set(collectionMetaKey(collection), buf)
		}
		if err != nil {
			return err
		}
		var meta collectionMeta
		if verr := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); verr != nil {
			return verr
		}
		if meta.Dimension != dimension {
			return fmt.Errorf("collection %s has dimension %d, cannot reopen at %d", collection, meta.Dimension, dimension)
		}
		return nil
	})
}

type collectionMeta struct {
	Modality  string `json:"modality"`
	Dimension int    `json:"dimension"`
}

// Vector is one point to be written to a collection.
type Vector struct {
	ID      string
	Values  []float32
	Payload map[string]string
}

// Upsert writes or overwrites vectors in collection.
func (s *Store) Upsert(collection string, vectors []Vector) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, v := range vectors {
			sv := storedVector{ID: v.ID, Vector: v.Values, Payload: v.Payload}
			buf, err := json.Marshal(sv)
			if err != nil {
				return err
			}
			if err := txn.Set(vectorKey(collection, v.ID), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes vectors by id from collection.
func (s *Store) Delete(collection string, ids []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(vectorKey(collection, id)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// Search returns the k vectors in collection most similar to query by
// cosine similarity, normalized to [0, 1], restricted to vectors for which
// filter (if non-nil) returns true.
func (s *Store) Search(collection string, query []float32, k int, filter Filter) ([]Hit, error) {
	var hits []Hit
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := vectorPrefix(collection)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var sv storedVector
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &sv) }); err != nil {
				return err
			}
			if filter != nil && !filter(sv.Payload) {
				continue
			}
			score := cosineSimilarity(query, sv.Vector)
			hits = append(hits, Hit{ID: sv.ID, Score: normalizeCosine(score), Payload: sv.Payload})
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IO, "vectorstore.search", "scan collection "+collection, err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Compact runs badger's value-log garbage collection. It is safe to call
// periodically; ErrNoRewrite from the underlying library is not an error
// from the caller's perspective.
func (s *Store) Compact() error {
	err := s.db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		return errs.Wrap(errs.IO, "vectorstore.compact", "value log gc", err)
	}
	return nil
}

// Stats reports the number of vectors currently stored in collection.
func (s *Store) Stats(collection string) (count int, err error) {
	scanErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := vectorPrefix(collection)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if scanErr != nil {
		return 0, errs.Wrap(errs.IO, "vectorstore.stats", "count collection "+collection, scanErr)
	}
	return count, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalizeCosine maps cosine similarity from [-1, 1] to [0, 1].
func normalizeCosine(cos float64) float64 {
	return (cos + 1) / 2
}

// DigestFilter builds a Filter restricting results to the given set of
// candidate source digests, used by the hybrid query path.
func DigestFilter(digests []string) Filter {
	allowed := make(map[string]struct{}, len(digests))
	for _, d := range digests {
		allowed[strings.ToLower(d)] = struct{}{}
	}
	return func(payload map[string]string) bool {
		_, ok := allowed[strings.ToLower(payload["digest"])]
		return ok
	}
}
