// Package search implements the cross-modal search engine (C10): it
// encodes a query in every modality the caller supplied, fans the encoded
// vectors out against the vector store (C3) with an over-fetch margin,
// enriches every hit through the metadata store (C2), fuses per-modality
// scores, deduplicates by content identity, and assembles a timeline view
// for video hits.
package search

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/mediasearch/internal/cache"
	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/embedding"
	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/metrics"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/preprocess"
	"github.com/ManuGH/mediasearch/internal/vectorstore"
)

// Config bounds the fusion/over-fetch policy, sourced from the search.*
// configuration keys.
type Config struct {
	// OverFetch is the multiplier applied to k before the vector-store
	// search, giving the fusion/dedup stages enough candidates to work
	// with before trimming back down to k.
	OverFetch float64

	// Weights holds the default multi-modal fusion weight per query
	// modality ("text", "image", "audio"). Ignored (and implicitly 1.0)
	// whenever only one query modality is present.
	Weights map[string]float64

	// QueryEmbedCacheTTL bounds how long a query embedding is memoized.
	// Zero disables caching even when a cache.Cache is wired.
	QueryEmbedCacheTTL time.Duration
}

// DefaultConfig returns the values named in spec.md §4.10/§6.
func DefaultConfig() Config {
	return Config{
		OverFetch:          3.0,
		Weights:            map[string]float64{"text": 0.5, "image": 0.3, "audio": 0.2},
		QueryEmbedCacheTTL: 5 * time.Minute,
	}
}

// Query carries the caller-supplied modalities. At least one field must be
// non-empty.
type Query struct {
	Text       string
	ImageBytes []byte
	AudioBytes []byte
}

func (q Query) activeModalities() []string {
	var mods []string
	if strings.TrimSpace(q.Text) != "" {
		mods = append(mods, "text")
	}
	if len(q.ImageBytes) > 0 {
		mods = append(mods, "image")
	}
	if len(q.AudioBytes) > 0 {
		mods = append(mods, "audio")
	}
	return mods
}

// TimeRange restricts results to segments overlapping [StartSecs, EndSecs].
type TimeRange struct {
	StartSecs float64
	EndSecs   float64
}

// Filters narrows the candidate set independent of query content.
type Filters struct {
	Modality  model.Modality // zero value matches every modality
	Directory string         // zero value matches every path
	TimeRange *TimeRange
}

// Result is one ranked, deduplicated hit.
type Result struct {
	Digest     string
	Paths      []string
	Modality   model.Modality
	HasSegment bool
	Segment    model.SegmentRef
	StartSecs  float64
	EndSecs    float64
	Score      float64
}

// VideoTimeline is the assembled view for one video digest's segment hits
// (§4.10 step 6).
type VideoTimeline struct {
	Digest            string
	TimeSorted        []Result
	RelevanceSorted   []Result
	TotalRelevantSecs float64
}

// Response is the search engine's full answer to one query.
type Response struct {
	Results   []Result
	Timelines []VideoTimeline
	// Warnings enumerates query modalities that failed to encode or
	// search; results from the remaining modalities are still returned,
	// per §4.10's partial-failure-as-warning-not-error rule.
	Warnings []string
}

// vectorSearcher is the subset of vectorstore.Store the engine drives; a
// narrow seam so tests can substitute an in-memory fake.
type vectorSearcher interface {
	Search(collection string, query []float32, k int, filter vectorstore.Filter) ([]vectorstore.Hit, error)
}

// hit is the engine's internal alias for a vector-store search result.
type hit = vectorstore.Hit

// Engine wires C4 (query encode), C3 (vector search), and C2 (enrichment)
// into the cross-modal search pipeline.
type Engine struct {
	embed   *embedding.Service
	vectors vectorSearcher
	meta    *metadatastore.Store
	codec   preprocess.Codec
	cfg     Config
	cache   cache.Cache
}

// New constructs a search Engine. c may be nil to disable query-embedding
// caching.
func New(embed *embedding.Service, vectors vectorSearcher, meta *metadatastore.Store, codec preprocess.Codec, cfg Config, c cache.Cache) *Engine {
	return &Engine{embed: embed, vectors: vectors, meta: meta, codec: codec, cfg: cfg, cache: c}
}

// CacheStats reports the query-embedding cache's hit/miss/eviction counters,
// surfaced by the ops HTTP debug route alongside worker-pool stats. Returns
// the zero value when caching is disabled.
func (e *Engine) CacheStats() cache.CacheStats {
	if e.cache == nil {
		return cache.CacheStats{}
	}
	return e.cache.Stats()
}

func ceilOverFetch(k int, factor float64) int {
	if factor <= 0 {
		factor = 1
	}
	n := int(math.Ceil(float64(k) * factor))
	if n < k {
		n = k
	}
	return n
}

// targetCollections lists which vector-store collections a given query
// modality is compared against. Text and image queries reach into the
// image/video collections because the engine's embedding backends share a
// CLIP-style joint space across those three modalities (§4.10's S1/S3
// scenarios both depend on this); audio occupies its own embedding space
// and is never cross-searched.
func targetCollections(queryModality string) []string {
	switch queryModality {
	case "text":
		return []string{"text", "image", "video"}
	case "image":
		return []string{"image", "video"}
	case "audio":
		return []string{"audio"}
	default:
		return nil
	}
}

type modalityHits struct {
	modality string
	hits     []hit
}

// Search runs the full §4.10 pipeline for one query.
func (e *Engine) Search(ctx context.Context, q Query, k int, filters Filters) (Response, error) {
	const op = "search.search"
	start := time.Now()
	if k <= 0 {
		return Response{}, errs.New(errs.Config, op, "k must be positive")
	}
	active := q.activeModalities()
	if len(active) == 0 {
		return Response{}, nil
	}
	singleModality := len(active) == 1
	shape := "cross"
	if singleModality {
		shape = "single"
	}

	var (
		mu       sync.Mutex
		warnings []string
		encoded  []modalityVector
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, qm := range active {
		qm := qm
		g.Go(func() error {
			vec, err := e.encode(gctx, qm, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s query encode failed: %v", qm, err))
				return nil
			}
			encoded = append(encoded, modalityVector{modality: qm, vector: vec})
			return nil
		})
	}
	_ = g.Wait() // per-modality failures are recorded as warnings, never aborted

	if len(encoded) == 0 {
		metrics.RecordSearch(shape, time.Since(start).Seconds(), 0)
		return Response{Warnings: warnings}, nil
	}

	over := ceilOverFetch(k, e.cfg.OverFetch)
	perModality := make([]modalityHits, 0, len(encoded))
	for _, mv := range encoded {
		var collected []hit
		for _, coll := range targetCollections(mv.modality) {
			hits, err := e.vectors.Search(coll, mv.vector, over, nil)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("%s search against %s failed: %v", mv.modality, coll, err))
				mu.Unlock()
				continue
			}
			collected = append(collected, hits...)
		}
		perModality = append(perModality, modalityHits{modality: mv.modality, hits: collected})
	}

	enriched, enrichWarnings := e.enrich(ctx, perModality)
	warnings = append(warnings, enrichWarnings...)

	filtered := applyFilters(enriched, filters)
	fused := fuse(filtered, e.cfg.Weights, singleModality)
	deduped := dedupe(fused)

	sort.Slice(deduped, func(i, j int) bool { return deduped[i].Score > deduped[j].Score })
	timelines := assembleTimelines(deduped)

	if len(deduped) > k {
		deduped = deduped[:k]
	}

	metrics.RecordSearch(shape, time.Since(start).Seconds(), len(deduped))
	return Response{Results: deduped, Timelines: timelines, Warnings: warnings}, nil
}

type modalityVector struct {
	modality string
	vector   []float32
}

func (e *Engine) encode(ctx context.Context, queryModality string, q Query) ([]float32, error) {
	switch queryModality {
	case "text":
		return e.encodeText(ctx, q.Text)
	case "image":
		return e.encodeImage(ctx, q.ImageBytes)
	case "audio":
		return e.encodeAudio(ctx, q.AudioBytes)
	default:
		return nil, errs.New(errs.Config, "search.encode", "unknown query modality")
	}
}

func (e *Engine) cacheGet(key string) ([]float32, bool) {
	if e.cache == nil || e.cfg.QueryEmbedCacheTTL <= 0 {
		return nil, false
	}
	v, ok := e.cache.Get(key)
	if !ok {
		metrics.RecordCacheLookup("query_embed", false)
		return nil, false
	}
	vec, ok := v.([]float32)
	metrics.RecordCacheLookup("query_embed", ok)
	return vec, ok
}

func (e *Engine) cacheSet(key string, vec []float32) {
	if e.cache == nil || e.cfg.QueryEmbedCacheTTL <= 0 {
		return
	}
	e.cache.Set(key, vec, e.cfg.QueryEmbedCacheTTL)
}

func (e *Engine) encodeText(ctx context.Context, text string) ([]float32, error) {
	key := "search:text:" + digest.OfBytes([]byte(text)).String()
	if vec, ok := e.cacheGet(key); ok {
		return vec, nil
	}
	vecs, err := e.embed.EmbedText(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errs.New(errs.ModelNotReady, "search.encode_text", "text backend returned no vectors")
	}
	out := []float32(vecs[0])
	e.cacheSet(key, out)
	return out, nil
}

func (e *Engine) encodeImage(ctx context.Context, imageBytes []byte) ([]float32, error) {
	key := "search:image:" + digest.OfBytes(imageBytes).String()
	if vec, ok := e.cacheGet(key); ok {
		return vec, nil
	}
	path, cleanup, err := writeTemp(imageBytes, "query-*.img")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rgb, width, height, err := e.codec.DecodeImage(ctx, path, preprocess.DefaultConfig().ImageMaxLongSide)
	if err != nil {
		return nil, errs.Wrap(errs.Codec, "search.encode_image", "decode query image", err)
	}
	vec, err := e.embed.EmbedImage(ctx, rgb, width, height)
	if err != nil {
		return nil, err
	}
	out := []float32(vec)
	e.cacheSet(key, out)
	return out, nil
}

func (e *Engine) encodeAudio(ctx context.Context, audioBytes []byte) ([]float32, error) {
	key := "search:audio:" + digest.OfBytes(audioBytes).String()
	if vec, ok := e.cacheGet(key); ok {
		return vec, nil
	}
	path, cleanup, err := writeTemp(audioBytes, "query-*.audio")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	probe, err := e.codec.Probe(ctx, path)
	if err != nil {
		return nil, errs.Wrap(errs.Codec, "search.encode_audio", "probe query audio", err)
	}
	pcm, err := e.codec.ExtractAudioPCM(ctx, path, 0, probe.DurationSecs)
	if err != nil {
		return nil, errs.Wrap(errs.Codec, "search.encode_audio", "extract query pcm", err)
	}
	vec, err := e.embed.EmbedAudio(ctx, pcm, 48000, 1)
	if err != nil {
		return nil, err
	}
	out := []float32(vec)
	e.cacheSet(key, out)
	return out, nil
}

func writeTemp(b []byte, pattern string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, errs.Wrap(errs.IO, "search.write_temp", "create temp file", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, errs.Wrap(errs.IO, "search.write_temp", "write temp file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, errs.Wrap(errs.IO, "search.write_temp", "close temp file", err)
	}
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}

// enrichedHit is one vector-store hit resolved to its owning file.
type enrichedHit struct {
	queryModality string
	vectorID      string
	rawScore      float64
	fileID        int64
	digest        string
	paths         []string
	modality      model.Modality
	hasSegment    bool
	segment       model.SegmentRef
	startSecs     float64
	endSecs       float64
}

func (e *Engine) enrich(ctx context.Context, perModality []modalityHits) ([]enrichedHit, []string) {
	var out []enrichedHit
	var warnings []string
	for _, mh := range perModality {
		for _, h := range mh.hits {
			binding, file, ts, err := e.meta.BindingForVector(ctx, h.ID)
			if err != nil {
				if errs.Is(err, errs.NotFound) {
					continue // vector exists without a binding only transiently; see the orphan sweeper
				}
				warnings = append(warnings, fmt.Sprintf("enrich %s failed: %v", h.ID, err))
				continue
			}
			paths, err := e.meta.Paths(ctx, file.ID)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("enrich %s failed: %v", h.ID, err))
				continue
			}
			eh := enrichedHit{
				queryModality: mh.modality,
				vectorID:      h.ID,
				rawScore:      h.Score,
				fileID:        file.ID,
				digest:        file.Digest,
				paths:         paths,
				modality:      file.Modality,
				hasSegment:    binding.Segment.Valid,
				segment:       binding.Segment,
			}
			if ts != nil {
				eh.startSecs = ts.StartSecs
				eh.endSecs = ts.EndSecs
			}
			out = append(out, eh)
		}
	}
	return out, warnings
}

func applyFilters(hits []enrichedHit, f Filters) []enrichedHit {
	if f.Modality == "" && f.Directory == "" && f.TimeRange == nil {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if f.Modality != "" && h.modality != f.Modality {
			continue
		}
		if f.Directory != "" && !anyUnderDirectory(h.paths, f.Directory) {
			continue
		}
		if f.TimeRange != nil && h.hasSegment {
			if h.endSecs < f.TimeRange.StartSecs || h.startSecs > f.TimeRange.EndSecs {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func anyUnderDirectory(paths []string, dir string) bool {
	clean := filepath.Clean(dir)
	for _, p := range paths {
		if strings.HasPrefix(filepath.Clean(p), clean) {
			return true
		}
	}
	return false
}

// fuse performs step 4 of §4.10: per-query-modality min-max normalization
// over the over-fetched set, then a weighted sum keyed by content identity
// (digest, segment). A single active query modality always gets weight
// 1.0, matching the spec's "text-only -> CLIP-family 1.0" rule regardless
// of the configured multi-modal weight table.
func fuse(hits []enrichedHit, weights map[string]float64, singleModality bool) []Result {
	byModality := make(map[string][]enrichedHit)
	for _, h := range hits {
		byModality[h.queryModality] = append(byModality[h.queryModality], h)
	}

	type accum struct {
		best  enrichedHit
		score float64
	}
	combined := make(map[string]*accum)

	for qm, group := range byModality {
		weight := weights[qm]
		if singleModality {
			weight = 1.0
		}
		min, max := minMax(group)
		for _, h := range group {
			norm := 1.0
			if max > min {
				norm = (h.rawScore - min) / (max - min)
			}
			key := dedupeKey(h.digest, h.hasSegment, h.segment.Index)
			a, ok := combined[key]
			if !ok {
				a = &accum{best: h}
				combined[key] = a
			}
			a.score += weight * norm
			if h.rawScore > a.best.rawScore {
				a.best = h
			}
		}
	}

	results := make([]Result, 0, len(combined))
	for _, a := range combined {
		results = append(results, Result{
			Digest:     a.best.digest,
			Paths:      a.best.paths,
			Modality:   a.best.modality,
			HasSegment: a.best.hasSegment,
			Segment:    a.best.segment,
			StartSecs:  a.best.startSecs,
			EndSecs:    a.best.endSecs,
			Score:      a.score,
		})
	}
	return results
}

func minMax(hits []enrichedHit) (min, max float64) {
	if len(hits) == 0 {
		return 0, 0
	}
	min, max = hits[0].rawScore, hits[0].rawScore
	for _, h := range hits[1:] {
		if h.rawScore < min {
			min = h.rawScore
		}
		if h.rawScore > max {
			max = h.rawScore
		}
	}
	return min, max
}

func dedupeKey(digest string, hasSegment bool, segIdx int) string {
	if !hasSegment {
		return digest + ":none"
	}
	return fmt.Sprintf("%s:%d", digest, segIdx)
}

// dedupe is a no-op beyond fuse's own grouping by (digest, segment) — kept
// as its own step so the pipeline still reads one stage per §4.10 bullet
// even though fuse already enforces the invariant.
func dedupe(results []Result) []Result {
	return results
}

// assembleTimelines groups the fused, not-yet-trimmed result set by parent
// video digest and emits both orderings plus the summed relevant duration
// over whichever segments survived fusion and dedup. Segments that the
// final trim to k later drops from Results are still counted here.
func assembleTimelines(results []Result) []VideoTimeline {
	byDigest := make(map[string][]Result)
	for _, r := range results {
		if r.Modality != model.ModalityVideo || !r.HasSegment {
			continue
		}
		byDigest[r.Digest] = append(byDigest[r.Digest], r)
	}
	if len(byDigest) == 0 {
		return nil
	}

	digests := make([]string, 0, len(byDigest))
	for d := range byDigest {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	timelines := make([]VideoTimeline, 0, len(digests))
	for _, d := range digests {
		segs := byDigest[d]

		timeSorted := append([]Result(nil), segs...)
		sort.Slice(timeSorted, func(i, j int) bool { return timeSorted[i].StartSecs < timeSorted[j].StartSecs })

		relevanceSorted := append([]Result(nil), segs...)
		sort.Slice(relevanceSorted, func(i, j int) bool { return relevanceSorted[i].Score > relevanceSorted[j].Score })

		var total float64
		for _, s := range segs {
			total += s.EndSecs - s.StartSecs
		}

		timelines = append(timelines, VideoTimeline{
			Digest:            d,
			TimeSorted:        timeSorted,
			RelevanceSorted:   relevanceSorted,
			TotalRelevantSecs: total,
		})
	}
	return timelines
}
