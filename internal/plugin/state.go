package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - Plugin is constructed but not initialized.
	StateUnloaded State = iota

	// StateInitialized - Initialize succeeded.
	StateInitialized

	// StateRunning - Start has been called.
	StateRunning

	// StateStopped - Stop succeeded.
	StateStopped

	// StateReleased - Release ran; the host is finished.
	StateReleased

	// StateError - A lifecycle call failed.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CanStart reports whether Start is allowed from s.
func (s State) CanStart() bool {
	return s == StateInitialized || s == StateStopped
}

// CanRelease reports whether Release is allowed from s.
func (s State) CanRelease() bool {
	return s == StateInitialized || s == StateStopped || s == StateError
}
