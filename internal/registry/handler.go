package registry

import (
	"fmt"
	"sync/atomic"
)

var handlerSeq atomic.Uint64

// Handler wraps a callable so that it has a stable identity.
// Two handlers are equal only if they are the same pointer; wrapping the
// same func twice yields two distinct handlers.
type Handler[A any] struct {
	id uint64
	fn func(A)
}

// NewHandler wraps fn. It returns nil if fn is nil.
func NewHandler[A any](fn func(A)) *Handler[A] {
	if fn == nil {
		return nil
	}
	return &Handler[A]{id: handlerSeq.Add(1), fn: fn}
}

// ID returns the process-unique handler id.
func (h *Handler[A]) ID() uint64 {
	return h.id
}

// Invoke calls the wrapped function.
func (h *Handler[A]) Invoke(arg A) {
	h.fn(arg)
}

// String returns a short description for logging.
func (h *Handler[A]) String() string {
	return fmt.Sprintf("handler#%d", h.id)
}
