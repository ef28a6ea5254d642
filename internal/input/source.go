package input

import (
	"context"
	"io"
)

// Source delivers input events. Next blocks until an event is available,
// ctx is done or the source is exhausted, in which case it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Event, error)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) (Event, error) {
	return f(ctx)
}

// ChanSource reads events from a channel. Closing the channel ends the
// source.
type ChanSource struct {
	events <-chan Event
}

// NewChanSource returns a source reading from events.
func NewChanSource(events <-chan Event) *ChanSource {
	return &ChanSource{events: events}
}

// Next returns the next event from the channel.
func (s *ChanSource) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
