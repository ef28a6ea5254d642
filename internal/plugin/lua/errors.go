package lua

import "errors"

// Errors for Lua plugin operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrRunnerNotLoaded is returned to scripts using runner before runner.load.
	ErrRunnerNotLoaded = errors.New("runner not loaded; call runner.load first")

	// ErrInputNotLoaded is returned to scripts using input before input.load.
	ErrInputNotLoaded = errors.New("input not loaded; call input.load first")

	// ErrNotInitialized is returned when a lifecycle call precedes Initialize.
	ErrNotInitialized = errors.New("lua plugin is not initialized")
)
