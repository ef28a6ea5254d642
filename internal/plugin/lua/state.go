package lua

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State wraps a sandboxed gopher-lua state.
//
// gopher-lua's LState is not goroutine-safe. A State is used from its
// Executor goroutine only; the mutex guards Close against late callers.
type State struct {
	L *lua.LState

	mu     sync.Mutex
	closed bool
}

// StateOption configures a State.
type StateOption func(*stateConfig)

type stateConfig struct {
	print func(string)
}

// WithPrint redirects the script's print to fn.
func WithPrint(fn func(string)) StateOption {
	return func(c *stateConfig) {
		c.print = fn
	}
}

// NewState creates a new sandboxed Lua state.
func NewState(opts ...StateOption) *State {
	var cfg stateConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // We'll open selectively
	})
	openSafeLibraries(L)
	installSandbox(L, cfg.print)
	return &State{L: L}
}

// DoFile executes a Lua file.
func (s *State) DoFile(path string) error {
	return s.do(func() error { return s.L.DoFile(path) })
}

// DoString executes a Lua string.
func (s *State) DoString(code string) error {
	return s.do(func() error { return s.L.DoString(code) })
}

func (s *State) do(fn func() error) (err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStateClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// CallGlobal calls the global function name if it is defined. A missing
// global is not an error. A function returning false or nil followed by a
// message reports that message as an error.
func (s *State) CallGlobal(name string, args ...lua.LValue) error {
	L := s.L
	fnVal := L.GetGlobal(name)
	if fnVal == lua.LNil {
		return nil
	}
	if fnVal.Type() != lua.LTFunction {
		return fmt.Errorf("%q is not a function (got %s)", name, fnVal.Type())
	}

	return s.do(func() error {
		// Record stack top before pushing anything
		top := L.GetTop()
		L.Push(fnVal)
		for _, arg := range args {
			L.Push(arg)
		}
		if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}
		n := L.GetTop() - top
		defer L.Pop(n)
		if n == 0 {
			return nil
		}
		first := L.Get(top + 1)
		if first == lua.LFalse || (first == lua.LNil && n > 1) {
			msg := "failed"
			if n > 1 {
				msg = L.Get(top + 2).String()
			}
			return fmt.Errorf("%s: %s", name, msg)
		}
		return nil
	})
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Later calls fail with ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
