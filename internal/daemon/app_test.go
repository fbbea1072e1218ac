package daemon

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/contentstore"
	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/engine"
	"github.com/ManuGH/mediasearch/internal/log"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/model"
)

func newTestCacheApp(t *testing.T, ttlSecs int) (*App, *contentstore.Store, *metadatastore.Store) {
	t.Helper()
	dir := t.TempDir()

	meta, err := metadatastore.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	content, err := contentstore.Open(filepath.Join(dir, "content"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = content.Close() })

	cfg := config.Default()
	cfg.Cache.TTLSecs = ttlSecs
	cfgHolder := config.NewConfigHolder(cfg, nil, "")

	env := &engine.Environment{Config: cfgHolder, Content: content, Metadata: meta}
	deps := Deps{Logger: log.WithComponent("daemon_test"), Env: env, CfgHolder: cfgHolder, OpsHandler: http.NotFoundHandler()}
	app := NewApp(deps, nil)
	app.cacheSweepInterval = 20 * time.Millisecond
	return app, content, meta
}

func TestSweepCacheLoopReclaimsUnreferencedExpiredArtifacts(t *testing.T) {
	app, content, _ := newTestCacheApp(t, 1) // 1 second TTL

	key := contentstore.Key{Digest: digest.OfBytes([]byte("stale-artifact")), Tag: "thumbnail"}
	_, err := content.Put(key, []byte("bytes"), time.Hour)
	require.NoError(t, err)

	// No PreprocessingCacheEntry was ever upserted for this digest, so
	// IsCacheEntryReferenced reports false and the artifact is reclaimable
	// once old enough; wait past the 1s TTL used for olderThan.
	time.Sleep(1100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = app.sweepCacheLoop(ctx)

	_, err = content.Get(key)
	require.Error(t, err)
}

func TestSweepCacheLoopKeepsReferencedEntries(t *testing.T) {
	app, content, meta := newTestCacheApp(t, 1)

	d := digest.OfBytes([]byte("kept-artifact"))
	key := contentstore.Key{Digest: d, Tag: "thumbnail"}
	path, err := content.Put(key, []byte("bytes"), time.Hour)
	require.NoError(t, err)

	require.NoError(t, meta.UpsertCacheEntry(context.Background(), model.PreprocessingCacheEntry{
		Digest:     d.String(),
		Tag:        "thumbnail",
		Path:       path,
		Size:       5,
		LastAccess: time.Now(),
		TTL:        time.Hour,
	}))

	time.Sleep(1100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = app.sweepCacheLoop(ctx)

	got, err := content.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("bytes"), got)
}
