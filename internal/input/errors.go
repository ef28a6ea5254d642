package input

import (
	"errors"

	"github.com/dshills/modframe/internal/registry"
)

// Sentinel errors for input dispatcher lifecycle violations.
var (
	// ErrNotLoaded is returned when the dispatcher has not been loaded.
	ErrNotLoaded = errors.New("input dispatcher is not loaded")

	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = errors.New("input dispatcher is already loaded")

	// ErrAlreadyRunning is returned when Start is called while running.
	ErrAlreadyRunning = errors.New("input dispatcher is already running")

	// ErrNotRunning is returned when Stop is called while idle.
	ErrNotRunning = errors.New("input dispatcher is not running")

	// ErrRunning is returned when Unload is called before Start returns.
	ErrRunning = errors.New("input dispatcher is still running")

	// ErrNoSource is returned by Start when no event source is configured.
	ErrNoSource = errors.New("no input source configured")

	// ErrInvalidChannel is returned for a channel other than Keyboard or Mouse.
	ErrInvalidChannel = errors.New("invalid input channel")

	// ErrHandlersRemaining is returned by strict Unload.
	ErrHandlersRemaining = registry.ErrHandlersRemaining
)
