package runner

import (
	"errors"

	"github.com/dshills/modframe/internal/registry"
)

// Sentinel errors for runner lifecycle violations.
var (
	// ErrNotLoaded is returned when the runner has not been loaded.
	ErrNotLoaded = errors.New("runner is not loaded")

	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = errors.New("runner is already loaded")

	// ErrAlreadyRunning is returned when Start is called while running.
	ErrAlreadyRunning = errors.New("runner is already running")

	// ErrNotRunning is returned when Stop is called on an idle runner.
	ErrNotRunning = errors.New("runner is not running")

	// ErrRunning is returned when Unload is called before the loop exits.
	ErrRunning = errors.New("runner is still running")

	// ErrHandlersRemaining is returned by strict Unload.
	ErrHandlersRemaining = registry.ErrHandlersRemaining
)
