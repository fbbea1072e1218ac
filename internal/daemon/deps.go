// Package daemon owns the process lifecycle: starting the ambient ops HTTP
// surface, running every background loop (task engine, scanner watch,
// config hot-reload) under one errgroup, and draining them in reverse
// construction order on shutdown. Generalized from the teacher's
// internal/daemon package (Manager + App split) down to this system's
// single ops server instead of a product API server / metrics server /
// proxy server trio.
package daemon

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/engine"
)

// Errors returned by Deps.Validate.
var (
	ErrMissingOpsHandler  = errors.New("daemon: ops HTTP handler is required")
	ErrMissingEnvironment = errors.New("daemon: environment is required")
)

// Deps bundles everything the daemon needs to run but does not itself own
// the lifecycle of: the logger, the assembled Environment, the config
// holder (nil if the process was started from a static, non-reloadable
// config), and the ops HTTP handler (health/metrics/debug routes).
type Deps struct {
	Logger zerolog.Logger

	Env       *engine.Environment
	CfgHolder *config.ConfigHolder

	OpsHandler http.Handler
}

// Validate rejects a Deps the daemon could not run under.
func (d Deps) Validate() error {
	if d.Env == nil {
		return ErrMissingEnvironment
	}
	if d.OpsHandler == nil {
		return ErrMissingOpsHandler
	}
	return nil
}
