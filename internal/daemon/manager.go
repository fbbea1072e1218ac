package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrManagerNotStarted is returned by Shutdown when Start was never called.
var ErrManagerNotStarted = errors.New("daemon: manager not started")

// ErrAlreadyStarted is returned by Start when called more than once.
var ErrAlreadyStarted = errors.New("daemon: manager already started")

// OpsConfig sizes the ambient ops HTTP server (/healthz, /metrics,
// /debug/pools). It has no spec.md §6 key of its own — it is a deploy-time
// concern, not a product setting — so it is configured independently of
// config.AppConfig.
type OpsConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

// DefaultOpsConfig returns a conservative default for the ops surface.
func DefaultOpsConfig() OpsConfig {
	return OpsConfig{
		ListenAddr:      ":9090",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      60 * time.Second,
		MaxHeaderBytes:   1 << 20,
		ShutdownTimeout:  10 * time.Second,
	}
}

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order (LIFO), mirroring construction order being
// reversed at teardown.
type ShutdownHook func(ctx context.Context) error

// Manager manages the ops HTTP server and the registered shutdown hooks.
type Manager interface {
	// Start starts the ops server and blocks until ctx is cancelled or the
	// server fails.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the ops server and runs every shutdown
	// hook in reverse registration order.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a named cleanup function.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type manager struct {
	cfg  OpsConfig
	deps Deps

	opsServer *http.Server

	mu            sync.Mutex
	started       bool
	shutdownHooks []namedHook
}

// NewManager constructs a Manager bound to cfg and deps. Returns an error
// if deps is incomplete.
func NewManager(cfg OpsConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &manager{cfg: cfg, deps: deps}, nil
}

// Start starts the ops HTTP server and blocks until ctx is cancelled or the
// server returns a non-graceful error.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.deps.Logger.Info().Str("listen", m.cfg.ListenAddr).Msg("starting ops server")

	m.opsServer = &http.Server{
		Addr:              m.cfg.ListenAddr,
		Handler:           m.deps.OpsHandler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
		MaxHeaderBytes:    m.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := m.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			m.deps.Logger.Error().Err(err).Msg("ops server failed")
			if shutdownErr := m.Shutdown(context.Background()); shutdownErr != nil {
				return fmt.Errorf("%w (shutdown: %v)", err, shutdownErr)
			}
			return err
		}
		return nil
	case <-ctx.Done():
		m.deps.Logger.Info().Msg("shutdown signal received")
		return m.Shutdown(context.Background())
	}
}

// Shutdown stops the ops server within cfg.ShutdownTimeout and runs every
// registered hook in reverse order.
func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrManagerNotStarted
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if m.opsServer != nil {
		if err := m.opsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
		}
	}

	for i := len(m.shutdownHooks) - 1; i >= 0; i-- {
		hook := m.shutdownHooks[i]
		if err := hook.hook(shutdownCtx); err != nil {
			m.deps.Logger.Error().Err(err).Str("hook", hook.name).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	m.deps.Logger.Info().Msg("daemon stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function. Hooks run LIFO.
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
}
