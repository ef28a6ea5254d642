package lua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modframe/internal/input"
	"github.com/dshills/modframe/internal/plugin"
	"github.com/dshills/modframe/internal/runner"
)

// Plugin runs a Lua script as a plugin.
type Plugin struct {
	name  string
	entry string

	queueSize int

	env    *plugin.Env
	logger zerolog.Logger
	state  *State
	exec   *Executor
	bridge *Bridge
	cancel context.CancelFunc

	// Owned by the executor goroutine.
	ctx       context.Context
	runnerFns map[*lua.LFunction]*runner.Handler
	inputFns  map[*lua.LFunction]*input.Handler
	pushed    []registration
}

// registration is a handler pushed by the script and not yet popped.
type registration struct {
	name    string
	index   int
	runner  *runner.Runner
	tick    *runner.Handler
	input   *input.Dispatcher
	channel input.Channel
	async   bool
	handler *input.Handler
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithQueueSize sets the executor mailbox size.
func WithQueueSize(n int) Option {
	return func(p *Plugin) {
		p.queueSize = n
	}
}

// NewPlugin returns a plugin running the script at entry.
func NewPlugin(name, entry string, opts ...Option) *Plugin {
	p := &Plugin{
		name:      name,
		entry:     entry,
		logger:    zerolog.Nop(),
		ctx:       context.Background(),
		runnerFns: make(map[*lua.LFunction]*runner.Handler),
		inputFns:  make(map[*lua.LFunction]*input.Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Factory returns a plugin.ScriptFactory building Lua plugins.
func Factory(opts ...Option) plugin.ScriptFactory {
	return func(info *plugin.Info) (plugin.Plugin, error) {
		return NewPlugin(info.Name, info.Entry, opts...), nil
	}
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return p.name }

// Initialize creates the Lua state, runs the script and calls its
// initialize(identifier).
func (p *Plugin) Initialize(ctx context.Context, env *plugin.Env) error {
	p.env = env
	p.logger = env.Logger()
	p.state = NewState(WithPrint(func(s string) {
		p.logger.Info().Str("source", "print").Msg(s)
	}))
	p.bridge = NewBridge(p.state.L)
	p.exec = NewExecutor(p.state.L, p.queueSize)

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.exec.Run(runCtx)

	return p.exec.Execute(ctx, func(L *lua.LState) error {
		defer p.useContext(ctx)()
		p.openModules(L)
		if err := p.state.DoFile(p.entry); err != nil {
			return fmt.Errorf("load %s: %w", p.entry, err)
		}
		return p.state.CallGlobal("initialize", lua.LString(env.Identifier()))
	})
}

// Start calls the script's start(). It returns when start() does.
func (p *Plugin) Start(ctx context.Context) error {
	return p.lifecycle(ctx, "start")
}

// Stop calls the script's stop().
func (p *Plugin) Stop(ctx context.Context) error {
	return p.lifecycle(ctx, "stop")
}

// Release calls the script's release().
func (p *Plugin) Release(ctx context.Context) error {
	return p.lifecycle(ctx, "release")
}

func (p *Plugin) lifecycle(ctx context.Context, name string) error {
	if p.exec == nil {
		return ErrNotInitialized
	}
	return p.exec.Execute(ctx, func(L *lua.LState) error {
		defer p.useContext(ctx)()
		return p.state.CallGlobal(name)
	})
}

// useContext makes ctx current for bindings and returns a function that
// restores the previous one. stop() may run nested inside start() while
// start() waits on the runner, and start() must get its own context back.
func (p *Plugin) useContext(ctx context.Context) func() {
	prev := p.ctx
	p.ctx = ctx
	return func() { p.ctx = prev }
}

// Close stops the executor, pops handlers the script left registered and
// closes the Lua state.
func (p *Plugin) Close() error {
	if p.exec == nil {
		return nil
	}
	p.exec.Close()
	p.cancel()
	<-p.exec.Exited()

	for _, reg := range p.pushed {
		var (
			removed bool
			err     error
		)
		if reg.runner != nil {
			removed, err = reg.runner.Pop(reg.name, reg.index, reg.tick)
		} else {
			removed, err = reg.input.Pop(reg.name, reg.index, reg.channel, reg.async, reg.handler)
		}
		switch {
		case errors.Is(err, runner.ErrNotLoaded), errors.Is(err, input.ErrNotLoaded):
			// Unloading the subsystem already dropped the handler.
		case err != nil:
			p.logger.Warn().Err(err).Str("handler", reg.name).Int("index", reg.index).Msg("remove leftover handler")
		case removed:
			p.logger.Warn().Str("handler", reg.name).Int("index", reg.index).Msg("removed handler left registered")
		}
	}
	p.pushed = nil
	return p.state.Close()
}

// invoke calls fn on the executor. Failures are logged; handlers never
// report errors to their caller.
func (p *Plugin) invoke(fn *lua.LFunction, args func(b *Bridge) []lua.LValue) {
	err := p.exec.Execute(context.Background(), func(L *lua.LState) error {
		vals := args(p.bridge)
		L.Push(fn)
		for _, v := range vals {
			L.Push(v)
		}
		return L.PCall(len(vals), 0, nil)
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("lua handler failed")
	}
}

// tickHandler returns the stable runner handler for fn.
func (p *Plugin) tickHandler(fn *lua.LFunction) *runner.Handler {
	if h, ok := p.runnerFns[fn]; ok {
		return h
	}
	h := runner.NewHandler(func(elapsed time.Duration) {
		p.invoke(fn, func(*Bridge) []lua.LValue {
			return []lua.LValue{lua.LNumber(elapsed.Seconds())}
		})
	})
	p.runnerFns[fn] = h
	return h
}

// inputHandler returns the stable input handler for fn.
func (p *Plugin) inputHandler(fn *lua.LFunction) *input.Handler {
	if h, ok := p.inputFns[fn]; ok {
		return h
	}
	h := input.NewHandler(func(ev input.Event) {
		p.invoke(fn, func(b *Bridge) []lua.LValue {
			return []lua.LValue{b.EventTable(ev)}
		})
	})
	p.inputFns[fn] = h
	return h
}

func (p *Plugin) track(reg registration) {
	p.pushed = append(p.pushed, reg)
}

func (p *Plugin) untrack(match func(registration) bool) {
	for i, reg := range p.pushed {
		if match(reg) {
			p.pushed = append(p.pushed[:i], p.pushed[i+1:]...)
			return
		}
	}
}
