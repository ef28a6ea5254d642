package plugin

import "errors"

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin directory has no init.lua.
	ErrNoEntryPoint = errors.New("plugin has no entry point (init.lua)")

	// ErrAlreadyLoaded is returned when a plugin or handle is already loaded.
	ErrAlreadyLoaded = errors.New("already loaded")

	// ErrNotLoaded is returned when attempting to use an unloaded plugin or
	// a handle that was never acquired.
	ErrNotLoaded = errors.New("not loaded")

	// ErrAlreadyRegistered is returned when a factory name is taken.
	ErrAlreadyRegistered = errors.New("plugin factory already registered")

	// ErrNotInitialized is returned when Start is called on a plugin that
	// was not successfully initialized.
	ErrNotInitialized = errors.New("plugin is not initialized")

	// ErrInvalidState is returned for a lifecycle call that the current
	// state does not allow.
	ErrInvalidState = errors.New("invalid plugin state")

	// ErrNilPlugin is returned when a factory yields no plugin.
	ErrNilPlugin = errors.New("plugin is nil")
)
