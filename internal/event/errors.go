package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for the event bus.
var (
	// ErrInvalidName is returned when a channel name is empty.
	ErrInvalidName = errors.New("channel name cannot be empty")

	// ErrChannelExists is returned when creating a channel whose name is taken.
	ErrChannelExists = errors.New("channel already exists")

	// ErrChannelNotFound is returned when a channel name is unknown.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNilHandler is returned when a nil handler is provided.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrHandlerPanic is matched by every *PanicError.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrStreamReleased is returned when a stream is used after RequestDelete.
	ErrStreamReleased = errors.New("stream has been released")
)

// PanicError wraps a recovered handler panic.
type PanicError struct {
	// Channel is the channel being called.
	Channel string

	// Subscription is the id of the panicking handler.
	Subscription SubscriptionID

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at the time of the panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic for subscription %s on channel %q: %v", e.Subscription, e.Channel, e.Value)
}

// Is reports ErrHandlerPanic as a match.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}

func channelError(name string, err error) error {
	return fmt.Errorf("channel %q: %w", name, err)
}
