package registry

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrInvalidSlot is returned when a key has an empty name.
	ErrInvalidSlot = errors.New("slot name cannot be empty")

	// ErrNilHandler is returned when a nil handler is pushed.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrDuplicateBinding is returned when the exact same key and
	// handler are already registered.
	ErrDuplicateBinding = errors.New("handler already bound to slot")

	// ErrHandlersRemaining is returned by strict unload when
	// registrations are still present.
	ErrHandlersRemaining = errors.New("handlers still registered")
)
