// Command mediasearchd is the media search engine's daemon entrypoint: it
// loads configuration, assembles the C1-C11 environment, and runs the
// ingestion/search daemon until signalled to stop. Generalized from the
// teacher's cmd/daemon/main.go down to this system's single-process,
// single-host shape: one ops HTTP surface instead of an API/proxy/metrics
// server trio, and no receiver-specific pre-flight checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ManuGH/mediasearch/internal/cache"
	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/contentstore"
	"github.com/ManuGH/mediasearch/internal/daemon"
	"github.com/ManuGH/mediasearch/internal/embedding"
	"github.com/ManuGH/mediasearch/internal/embedding/refbackend"
	"github.com/ManuGH/mediasearch/internal/engine"
	"github.com/ManuGH/mediasearch/internal/errs"
	mslog "github.com/ManuGH/mediasearch/internal/log"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/opshttp"
	"github.com/ManuGH/mediasearch/internal/orchestrator"
	"github.com/ManuGH/mediasearch/internal/persistence/sqlite"
	"github.com/ManuGH/mediasearch/internal/preprocess"
	"github.com/ManuGH/mediasearch/internal/scanner"
	"github.com/ManuGH/mediasearch/internal/search"
	"github.com/ManuGH/mediasearch/internal/taskengine"
	"github.com/ManuGH/mediasearch/internal/telemetry"
	"github.com/ManuGH/mediasearch/internal/vectorstore"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

// defaultIncludeExt is the scanner's extension-to-modality table. Nothing
// in the key table names this; it is the scanner's own discovery policy,
// the same way the preprocessor's big-file caps stay out of
// config.AppConfig.
func defaultIncludeExt() map[string]scanner.Modality {
	img := scanner.Modality(model.ModalityImage)
	vid := scanner.Modality(model.ModalityVideo)
	aud := scanner.Modality(model.ModalityAudio)
	txt := scanner.Modality(model.ModalityText)
	return map[string]scanner.Modality{
		".jpg": img, ".jpeg": img, ".png": img, ".gif": img, ".webp": img, ".bmp": img,
		".mp4": vid, ".mkv": vid, ".mov": vid, ".webm": vid, ".avi": vid,
		".mp3": aud, ".wav": aud, ".flac": aud, ".ogg": aud, ".m4a": aud,
		".txt": txt, ".md": txt,
	}
}

func main() {
	os.Exit(run())
}

// run builds and drives the daemon, returning the process exit code
// spec.md §6 assigns to each failure class: 0 success, 2 configuration
// error, 3 model-not-ready, 4 index integrity error, 1 everything else.
func run() int {
	configPath := flag.String("config", "", "path to config file (YAML)")
	dataDir := flag.String("data-dir", "./data", "directory for the metadata db, vector store, and content store")
	integrityMode := flag.String("integrity-check", "quick", "startup metadata integrity check: quick, full, or off")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mediasearchd %s (%s)\n", version, commit)
		return 0
	}

	mslog.Configure(mslog.Config{Level: "info", Service: "mediasearchd", Version: version})
	logger := mslog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return exitCodeFor(err)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create data directory")
		return exitCodeFor(errs.Wrap(errs.Config, "main.mkdir_data_dir", "create data dir", err))
	}
	metadataPath := filepath.Join(*dataDir, "metadata.db")
	vectorDir := filepath.Join(*dataDir, "vectors")
	contentDir := filepath.Join(*dataDir, "content")

	if *integrityMode != "off" {
		if _, statErr := os.Stat(metadataPath); statErr == nil {
			problems, verr := sqlite.VerifyIntegrity(metadataPath, *integrityMode)
			if verr != nil {
				logger.Error().Err(verr).Msg("metadata integrity check failed to run")
				return exitCodeFor(errs.Wrap(errs.Integrity, "main.verify_integrity", "run integrity check", verr))
			}
			if len(problems) > 0 {
				logger.Error().Strs("problems", problems).Msg("metadata database failed integrity check")
				return exitCodeFor(errs.New(errs.Integrity, "main.verify_integrity", strings.Join(problems, "; ")))
			}
		}
	}

	tp, tpErr := telemetry.NewProvider(ctx, telemetry.Config{Enabled: false})
	if tpErr != nil {
		logger.Warn().Err(tpErr).Msg("telemetry provider init failed, continuing without tracing")
	} else {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	env, dims, err := buildEnvironment(cfg, metadataPath, vectorDir, contentDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to assemble environment")
		return exitCodeFor(err)
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("environment close reported errors")
		}
	}()
	logger.Info().Int("text_dim", dims.Text).Int("image_dim", dims.Image).Int("audio_dim", dims.Audio).Msg("embedding backends ready")

	if err := env.Embed.Warmup(ctx); err != nil {
		logger.Error().Err(err).Msg("embedding service warmup failed")
		return exitCodeFor(err)
	}

	cfgHolder := config.NewConfigHolder(cfg, config.NewLoader(*configPath), *configPath)
	env.Config = cfgHolder

	for _, root := range cfg.Watch.Directories {
		if _, err := env.IndexPath(ctx, root); err != nil {
			logger.Warn().Err(err).Str("root", root).Msg("initial scan of watch root failed")
		}
		if err := env.Watcher.AddRoot(root); err != nil {
			logger.Warn().Err(err).Str("root", root).Msg("failed to watch root")
		}
	}

	opsHandler := opshttp.NewHandler(env, opshttp.DefaultConfig())
	deps := daemon.Deps{Logger: logger, Env: env, CfgHolder: cfgHolder, OpsHandler: opsHandler}

	manager, err := daemon.NewManager(daemon.DefaultOpsConfig(), deps)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct daemon manager")
		return exitCodeFor(errs.Wrap(errs.Config, "main.new_manager", "construct daemon manager", err))
	}

	app := daemon.NewApp(deps, manager)
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		return exitCodeFor(err)
	}

	logger.Info().Msg("mediasearchd exiting cleanly")
	return 0
}

// embeddingDims names the per-modality output dimension the shipped
// backend produces, so vector collections are opened at a size that
// matches what the backend actually emits.
type embeddingDims struct {
	Text, Image, Audio int
}

// buildEnvironment opens every store, constructs the embedding service,
// and wires the ingestion and search pipelines, mirroring the
// construction order engine.Environment.Close reverses at teardown.
func buildEnvironment(cfg config.AppConfig, metadataPath, vectorDir, contentDir string) (*engine.Environment, embeddingDims, error) {
	const op = "main.build_environment"

	meta, err := metadatastore.Open(metadataPath)
	if err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.IO, op, "open metadata store", err)
	}

	vectors, err := vectorstore.Open(vectorDir)
	if err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.IO, op, "open vector store", err)
	}

	content, err := contentstore.Open(contentDir)
	if err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.IO, op, "open content store", err)
	}

	embedSvc, dims := buildEmbeddingService(cfg)

	if err := vectors.OpenCollection(string(model.ModalityText), model.ModalityText, dims.Text); err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.Integrity, op, "open text collection", err)
	}
	if err := vectors.OpenCollection(string(model.ModalityImage), model.ModalityImage, dims.Image); err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.Integrity, op, "open image collection", err)
	}
	if err := vectors.OpenCollection(string(model.ModalityAudio), model.ModalityAudio, dims.Audio); err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.Integrity, op, "open audio collection", err)
	}
	if err := vectors.OpenCollection(string(model.ModalityVideo), model.ModalityVideo, dims.Image); err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.Integrity, op, "open video collection", err)
	}

	codec := preprocess.NewFFmpegCodec("", "")
	proc := preprocess.New(codec, content, meta, cfg.ToPreprocessConfig(), nil)

	orch := orchestrator.New(meta, codec, proc, embedSvc, vectors, cfg.ToNoiseFilterThresholds())

	tasks := taskengine.New(meta, cfg.ToTaskEngineConfig())
	orch.Register(tasks)

	scanCfg := cfg.ToScannerConfig()
	scanCfg.IncludeExt = defaultIncludeExt()
	sc := scanner.New(scanCfg)
	watcher, err := scanner.NewWatcher(sc)
	if err != nil {
		return nil, embeddingDims{}, errs.Wrap(errs.IO, op, "start filesystem watcher", err)
	}

	queryCache := buildQueryCache(cfg)
	searchEngine := search.New(embedSvc, vectors, meta, codec, cfg.ToSearchConfig(), queryCache)

	return &engine.Environment{
		Metadata:     meta,
		Vectors:      vectors,
		Content:      content,
		Embed:        embedSvc,
		Scanner:      sc,
		Watcher:      watcher,
		Orchestrator: orch,
		Tasks:        tasks,
		SearchEngine: searchEngine,
	}, dims, nil
}

// buildQueryCache selects the search engine's query-embedding cache
// backend from cfg.Cache.RedisAddr: empty stays in-memory, set it dials
// Redis and falls back to in-memory if the connection fails so a
// misconfigured cache never blocks startup.
func buildQueryCache(cfg config.AppConfig) cache.Cache {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewMemoryCache(time.Minute)
	}
	logger := mslog.WithComponent("cache")
	redisCache, err := cache.NewRedisCache(cache.RedisConfig{Addr: cfg.Cache.RedisAddr}, logger)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis cache unavailable, falling back to in-memory cache")
		return cache.NewMemoryCache(time.Minute)
	}
	return redisCache
}

// buildEmbeddingService constructs the shipped reference backend (see
// internal/embedding/refbackend) sized from the model.* key table: the
// image/video family's dimension covers text too, since text and image
// share one joint embedding space in this deployment's default model
// config, and the audio family is independent.
func buildEmbeddingService(cfg config.AppConfig) (*embedding.Service, embeddingDims) {
	imageDim := cfg.Model.Image.Dim
	if imageDim <= 0 {
		imageDim = 512
	}
	audioDim := cfg.Model.Audio.Dim
	if audioDim <= 0 {
		audioDim = 256
	}
	imageBatch := cfg.Model.Image.Batch
	if imageBatch <= 0 {
		imageBatch = 16
	}
	sampleRate := cfg.Audio.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}

	text := refbackend.NewText(imageDim, imageBatch)
	image := refbackend.NewImage(imageDim, 32)
	audio := refbackend.NewAudio(audioDim, sampleRate, 64)
	sampler := refbackend.NewFFmpegFrameSampler("")

	svc := embedding.New(embedding.DefaultConfig(), text, image, audio, nil, sampler)
	return svc, embeddingDims{Text: imageDim, Image: imageDim, Audio: audioDim}
}

// exitCodeFor maps a wrapped engine error to spec.md §6's process exit
// code: 2 configuration, 3 model not ready, 4 integrity, 1 everything
// else, matching errs.Kind's taxonomy.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch errs.KindOf(err) {
	case errs.Config:
		return 2
	case errs.ModelNotReady:
		return 3
	case errs.Integrity:
		return 4
	default:
		return 1
	}
}
