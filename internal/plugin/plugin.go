package plugin

import "context"

// Plugin is a unit of extension driven through four lifecycle calls.
//
// Start may block for as long as the plugin runs; Stop is then called
// from another goroutine and must make Start return.
type Plugin interface {
	Initialize(ctx context.Context, env *Env) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Release(ctx context.Context) error
}

// Factory builds a Go plugin.
type Factory func(name string) (Plugin, error)

// ScriptFactory builds a plugin from a discovered script.
type ScriptFactory func(info *Info) (Plugin, error)

// Funcs adapts plain functions to Plugin. Nil fields are no-ops.
type Funcs struct {
	InitializeFunc func(ctx context.Context, env *Env) error
	StartFunc      func(ctx context.Context) error
	StopFunc       func(ctx context.Context) error
	ReleaseFunc    func(ctx context.Context) error
}

// Initialize calls InitializeFunc.
func (f *Funcs) Initialize(ctx context.Context, env *Env) error {
	if f.InitializeFunc == nil {
		return nil
	}
	return f.InitializeFunc(ctx, env)
}

// Start calls StartFunc.
func (f *Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

// Stop calls StopFunc.
func (f *Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

// Release calls ReleaseFunc.
func (f *Funcs) Release(ctx context.Context) error {
	if f.ReleaseFunc == nil {
		return nil
	}
	return f.ReleaseFunc(ctx)
}
