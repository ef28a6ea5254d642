package bridge

import "errors"

var (
	// ErrPublisherRequired is returned when no publisher is configured.
	ErrPublisherRequired = errors.New("bridge requires a publisher")

	// ErrClosed is returned when using a closed bridge.
	ErrClosed = errors.New("bridge is closed")
)
