// Package opshttp builds the ambient, non-product ops HTTP surface:
// /healthz, /metrics, and /debug/pools. This is never the search/index
// API (that stays a Go-level interface per spec's Non-goals) — it exists
// purely so the daemon is observable in production, generalized from the
// teacher's operational routes outside its own product API.
package opshttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/ManuGH/mediasearch/internal/engine"
	"github.com/ManuGH/mediasearch/internal/log"
)

// Config sizes the ops surface's own protections (request rate limit) and
// identifies it for tracing. It is independent of config.AppConfig, the
// same way daemon.OpsConfig sizes the HTTP server itself: both are
// deploy-time concerns, not product settings.
type Config struct {
	// RateLimitRequests and RateLimitWindow bound how often a single
	// caller may hit the surface; SPEC_FULL.md's dependency table lists the
	// ops surface as rate-limited.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// ServiceName labels the otelhttp spans this surface emits.
	ServiceName string
}

// DefaultConfig returns a conservative default: 60 requests per caller
// per minute, enough for a polling monitoring agent without opening the
// surface to abuse.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
		ServiceName:       "mediasearch-ops",
	}
}

// NewHandler builds the ops HTTP surface bound to env.
func NewHandler(env *engine.Environment, cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())
	if cfg.RateLimitRequests > 0 {
		r.Use(httprate.Limit(cfg.RateLimitRequests, cfg.RateLimitWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", handleHealth(env))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/pools", handleDebugPools(env))

	return otelhttp.NewHandler(r, cfg.ServiceName,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithFilter(shouldTrace),
	)
}

// shouldTrace skips tracing the two routes a monitoring agent polls every
// few seconds, to keep that traffic out of the trace backend.
func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return false
	default:
		return true
	}
}

// healthResponse is the /healthz JSON body. The route always returns 200
// for liveness; readiness detail is carried in the body rather than the
// status code, since there is no separate load-balancer readiness probe
// in front of a single-host daemon.
type healthResponse struct {
	Status string `json:"status"`
	engine.Health
}

func handleHealth(env *engine.Environment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := env.Health()
		status := "healthy"
		if !h.ModelReady || !h.VectorStoreReady || !h.MetadataReady {
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: status, Health: h})
	}
}

func handleDebugPools(env *engine.Environment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, env.DebugPools())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L().Warn().Err(err).Msg("opshttp: encode response failed")
	}
}
