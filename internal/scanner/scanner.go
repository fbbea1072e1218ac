// Package scanner implements the file scanner/monitor (C7): an initial
// recursive tree walk over configured roots, and a debounced filesystem
// watch that turns create/modify/delete/move events into the dedupe/bind
// calls against the metadata store the rest of the pipeline depends on.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/errs"
	fsconfine "github.com/ManuGH/mediasearch/internal/platform/fs"
)

// Config bounds the scanner's discovery policy.
type Config struct {
	Roots []string

	// IncludeExt maps a lowercase extension (with leading dot) to the
	// Modality it implies. Files whose extension is absent are skipped.
	IncludeExt map[string]Modality

	// ExcludePatterns are filepath.Match-style globs, evaluated against the
	// path relative to its root before any I/O, per §4.7.
	ExcludePatterns []string

	MaxDepth int // 0 disables the depth limit

	DebounceWindow time.Duration // default 500ms
	BatchSize      int           // default 100
}

// Modality mirrors model.Modality without importing it, so this package
// stays usable independent of the metadata store's schema.
type Modality string

// DefaultConfig returns the scanner's stated defaults.
func DefaultConfig() Config {
	return Config{
		DebounceWindow: 500 * time.Millisecond,
		BatchSize:      100,
	}
}

// Observation is one file the scanner believes is worth indexing, with its
// content identity already computed.
type Observation struct {
	Path     string
	Digest   digest.Digest
	Modality Modality
	Size     int64
	ModTime  time.Time
}

// ScanResult summarizes one call to ScanRoot.
type ScanResult struct {
	Root         string
	Started      time.Time
	Finished     time.Time
	Observed     int
	Skipped      int
	Errors       int
}

// Scanner walks configured roots and classifies files by extension.
type Scanner struct {
	cfg Config
}

// New constructs a Scanner.
func New(cfg Config) *Scanner {
	return &Scanner{cfg: cfg}
}

// Handler is called once per file the scanner decides to observe. Returning
// an error aborts neither the walk nor the watch; it is logged by the
// caller and counted in ScanResult.Errors.
type Handler func(ctx context.Context, obs Observation) error

// ScanRoot walks root, resolving symlinks through the platform
// confinement helper so a symlink cannot walk the scan outside root, and
// calls handle for every file whose extension is configured. Directory
// walk errors skip the subtree rather than aborting the whole scan.
func (sc *Scanner) ScanRoot(ctx context.Context, root string, handle Handler) (ScanResult, error) {
	result := ScanResult{Root: root, Started: time.Now()}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return result, errs.Wrap(errs.IO, "scanner.scan_root", "resolve root path", err)
	}

	walkErr := filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if walkErr != nil {
			result.Errors++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(rootAbs, path)
		if relErr != nil {
			result.Errors++
			return nil
		}

		if d.IsDir() {
			if sc.excluded(rel) {
				return fs.SkipDir
			}
			if sc.cfg.MaxDepth > 0 && strings.Count(rel, string(os.PathSeparator)) >= sc.cfg.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}

		if sc.excluded(rel) {
			result.Skipped++
			return nil
		}

		modality, ok := sc.classify(path)
		if !ok {
			result.Skipped++
			return nil
		}

		resolved, err := fsconfine.ConfineAbsPath(rootAbs, path)
		if err != nil {
			result.Errors++
			return nil
		}

		info, err := os.Stat(resolved)
		if err != nil {
			result.Errors++
			return nil
		}

		dg, err := digest.OfFile(resolved)
		if err != nil {
			result.Errors++
			return nil
		}

		obs := Observation{Path: resolved, Digest: dg, Modality: modality, Size: info.Size(), ModTime: info.ModTime()}
		if err := handle(ctx, obs); err != nil {
			result.Errors++
			return nil
		}
		result.Observed++
		return nil
	})

	result.Finished = time.Now()
	if walkErr != nil && walkErr != context.Canceled {
		return result, errs.Wrap(errs.IO, "scanner.scan_root", "walk tree", walkErr)
	}
	return result, nil
}

func (sc *Scanner) classify(path string) (Modality, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	m, ok := sc.cfg.IncludeExt[ext]
	return m, ok
}

func (sc *Scanner) excluded(rel string) bool {
	for _, pattern := range sc.cfg.ExcludePatterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}
