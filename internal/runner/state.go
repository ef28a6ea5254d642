package runner

// State is the scheduler state.
type State int32

const (
	// StateIdle means Start is not executing.
	StateIdle State = iota

	// StateRunning means the loop is executing cycles.
	StateRunning

	// StateStopping means a stop was requested and the loop exits after
	// the current cycle.
	StateStopping
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
