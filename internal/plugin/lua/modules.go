package lua

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/input"
	"github.com/dshills/modframe/internal/lifecycle"
)

// openModules installs the runner, input, event and host tables.
func (p *Plugin) openModules(L *lua.LState) {
	installSubscriptionType(L)

	register := func(name string, funcs map[string]lua.LGFunction) {
		L.SetGlobal(name, L.SetFuncs(L.NewTable(), funcs))
	}
	register("runner", map[string]lua.LGFunction{
		"load":   p.runnerLoad,
		"unload": p.runnerUnload,
		"push":   p.runnerPush,
		"pop":    p.runnerPop,
		"start":  p.runnerStart,
		"stop":   p.runnerStop,
	})
	register("input", map[string]lua.LGFunction{
		"load":   p.inputLoad,
		"unload": p.inputUnload,
		"push":   p.inputPush,
		"pop":    p.inputPop,
		"start":  p.inputStart,
		"stop":   p.inputStop,
	})
	register("event", map[string]lua.LGFunction{
		"create":      p.eventCreate,
		"destroy":     p.eventDestroy,
		"subscribe":   p.eventSubscribe,
		"unsubscribe": p.eventUnsubscribe,
		"call":        p.eventCall,
		"call_async":  p.eventCallAsync,
	})
	register("host", map[string]lua.LGFunction{
		"log":        p.hostLog,
		"identifier": p.hostIdentifier,
		"name":       p.hostName,
		"batch":      p.hostBatch,
	})
}

func pushOK(L *lua.LState) int {
	L.Push(lua.LTrue)
	return 1
}

func pushErr(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func result(L *lua.LState, err error) int {
	if err != nil {
		return pushErr(L, err)
	}
	return pushOK(L)
}

// runner

func (p *Plugin) runnerLoad(L *lua.LState) int {
	_, err := p.env.Runner()
	return result(L, err)
}

func (p *Plugin) runnerUnload(L *lua.LState) int {
	return result(L, p.env.ReleaseRunner())
}

func (p *Plugin) runnerPush(L *lua.LState) int {
	name := L.CheckString(1)
	index := L.CheckInt(2)
	fn := L.CheckFunction(3)

	r := p.env.HeldRunner()
	if r == nil {
		return pushErr(L, ErrRunnerNotLoaded)
	}
	h := p.tickHandler(fn)
	if err := r.Push(name, index, h); err != nil {
		return pushErr(L, err)
	}
	p.track(registration{name: name, index: index, runner: r, tick: h})
	return pushOK(L)
}

func (p *Plugin) runnerPop(L *lua.LState) int {
	name := L.CheckString(1)
	index := L.CheckInt(2)
	fn := L.CheckFunction(3)

	r := p.env.HeldRunner()
	if r == nil {
		return pushErr(L, ErrRunnerNotLoaded)
	}
	h, ok := p.runnerFns[fn]
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	removed, err := r.Pop(name, index, h)
	if err != nil {
		return pushErr(L, err)
	}
	if removed {
		p.untrack(func(reg registration) bool {
			return reg.tick == h && reg.name == name && reg.index == index
		})
	}
	L.Push(lua.LBool(removed))
	return 1
}

func (p *Plugin) runnerStart(L *lua.LState) int {
	r := p.env.HeldRunner()
	if r == nil {
		return pushErr(L, ErrRunnerNotLoaded)
	}
	ctx := p.ctx
	return result(L, p.exec.Await(func() error {
		if err := r.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))
}

func (p *Plugin) runnerStop(L *lua.LState) int {
	r := p.env.HeldRunner()
	if r == nil {
		return pushErr(L, ErrRunnerNotLoaded)
	}
	return result(L, r.Stop())
}

// input

func (p *Plugin) inputLoad(L *lua.LState) int {
	_, err := p.env.Input()
	return result(L, err)
}

func (p *Plugin) inputUnload(L *lua.LState) int {
	return result(L, p.env.ReleaseInput())
}

func checkChannel(L *lua.LState, n int) (input.Channel, error) {
	switch v := L.Get(n).(type) {
	case lua.LString:
		return input.ParseChannel(string(v))
	case lua.LNumber:
		ch := input.Channel(int(v))
		if !ch.Valid() {
			return 0, fmt.Errorf("%w: %d", input.ErrInvalidChannel, int(v))
		}
		return ch, nil
	default:
		return 0, fmt.Errorf("%w: %s", input.ErrInvalidChannel, v.Type())
	}
}

// inputArgs reads (name, index, channel, fn [, async]).
func (p *Plugin) inputArgs(L *lua.LState, d *input.Dispatcher) (string, int, input.Channel, *lua.LFunction, bool, error) {
	name := L.CheckString(1)
	index := L.CheckInt(2)
	ch, err := checkChannel(L, 3)
	fn := L.CheckFunction(4)
	async := d.AsyncDefault()
	if v, ok := L.Get(5).(lua.LBool); ok {
		async = bool(v)
	}
	return name, index, ch, fn, async, err
}

func (p *Plugin) inputPush(L *lua.LState) int {
	d := p.env.HeldInput()
	if d == nil {
		return pushErr(L, ErrInputNotLoaded)
	}
	name, index, ch, fn, async, err := p.inputArgs(L, d)
	if err != nil {
		return pushErr(L, err)
	}
	h := p.inputHandler(fn)
	if err := d.Push(name, index, ch, async, h); err != nil {
		return pushErr(L, err)
	}
	p.track(registration{name: name, index: index, input: d, channel: ch, async: async, handler: h})
	return pushOK(L)
}

func (p *Plugin) inputPop(L *lua.LState) int {
	d := p.env.HeldInput()
	if d == nil {
		return pushErr(L, ErrInputNotLoaded)
	}
	name, index, ch, fn, async, err := p.inputArgs(L, d)
	if err != nil {
		return pushErr(L, err)
	}
	h, ok := p.inputFns[fn]
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	removed, err := d.Pop(name, index, ch, async, h)
	if err != nil {
		return pushErr(L, err)
	}
	if removed {
		p.untrack(func(reg registration) bool {
			return reg.handler == h && reg.name == name && reg.index == index && reg.channel == ch && reg.async == async
		})
	}
	L.Push(lua.LBool(removed))
	return 1
}

func (p *Plugin) inputStart(L *lua.LState) int {
	d := p.env.HeldInput()
	if d == nil {
		return pushErr(L, ErrInputNotLoaded)
	}
	ctx := p.ctx
	return result(L, p.exec.Await(func() error {
		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))
}

// inputStop stops the dispatcher; input.stop(true) discards queued async
// deliveries.
func (p *Plugin) inputStop(L *lua.LState) int {
	d := p.env.HeldInput()
	if d == nil {
		return pushErr(L, ErrInputNotLoaded)
	}
	if L.OptBool(1, false) {
		return result(L, d.HardStop())
	}
	return result(L, d.Stop())
}

// event

func (p *Plugin) stream(L *lua.LState) (*event.Stream[any], bool) {
	s, err := p.env.Events()
	if err != nil {
		pushErr(L, err)
		return nil, false
	}
	return s, true
}

func (p *Plugin) eventCreate(L *lua.LState) int {
	name := L.CheckString(1)
	s, ok := p.stream(L)
	if !ok {
		return 2
	}
	return result(L, s.Create(name))
}

func (p *Plugin) eventDestroy(L *lua.LState) int {
	name := L.CheckString(1)
	s, ok := p.stream(L)
	if !ok {
		return 2
	}
	return result(L, s.Destroy(name))
}

// eventSubscribe subscribes one or more functions. One function yields an
// id, several yield a table of ids.
func (p *Plugin) eventSubscribe(L *lua.LState) int {
	name := L.CheckString(1)
	n := L.GetTop()
	if n < 2 {
		L.ArgError(2, "function expected")
	}
	fns := make([]event.Func[any], 0, n-1)
	for i := 2; i <= n; i++ {
		fn := L.CheckFunction(i)
		fns = append(fns, func(payload any) {
			p.invoke(fn, func(b *Bridge) []lua.LValue { return b.ToLuaArgs(payload) })
		})
	}

	s, ok := p.stream(L)
	if !ok {
		return 2
	}
	ids, err := s.SubscribeAll(name, fns...)
	if err != nil {
		return pushErr(L, err)
	}
	if len(ids) == 1 {
		L.Push(p.bridge.SubscriptionValue(ids[0]))
		return 1
	}
	t := L.NewTable()
	for i, id := range ids {
		t.RawSetInt(i+1, p.bridge.SubscriptionValue(id))
	}
	L.Push(t)
	return 1
}

// eventUnsubscribe accepts ids, tables of ids or both. It returns true
// when every id was removed and false plus the number of unknown ids
// otherwise.
func (p *Plugin) eventUnsubscribe(L *lua.LState) int {
	name := L.CheckString(1)
	ids, err := subscriptionIDs(L, 2)
	if err != nil {
		return pushErr(L, err)
	}
	s, ok := p.stream(L)
	if !ok {
		return 2
	}
	missing, err := s.UnsubscribeAll(name, ids...)
	if err != nil {
		return pushErr(L, err)
	}
	if len(missing) > 0 {
		L.Push(lua.LFalse)
		L.Push(lua.LNumber(len(missing)))
		return 2
	}
	return pushOK(L)
}

// eventCall calls the channel with the remaining arguments. A single
// argument is passed as is; several are passed as Args.
func (p *Plugin) eventCall(L *lua.LState) int {
	return p.callChannel(L, (*event.Stream[any]).Call)
}

// eventCallAsync is eventCall with one goroutine per subscriber. It
// returns once every subscriber has.
func (p *Plugin) eventCallAsync(L *lua.LState) int {
	return p.callChannel(L, (*event.Stream[any]).CallConcurrent)
}

func (p *Plugin) callChannel(L *lua.LState, call func(*event.Stream[any], string, any) error) int {
	name := L.CheckString(1)
	var payload any
	switch n := L.GetTop(); {
	case n == 2:
		payload = p.bridge.ToGoValue(L.Get(2))
	case n > 2:
		args := make(Args, 0, n-1)
		for i := 2; i <= n; i++ {
			args = append(args, p.bridge.ToGoValue(L.Get(i)))
		}
		payload = args
	}

	s, ok := p.stream(L)
	if !ok {
		return 2
	}
	return result(L, p.exec.Await(func() error {
		return call(s, name, payload)
	}))
}

// host

func (p *Plugin) hostLog(L *lua.LState) int {
	level, msg := "info", ""
	if L.GetTop() >= 2 {
		level = L.CheckString(1)
		msg = L.ToStringMeta(L.Get(2)).String()
	} else {
		msg = L.ToStringMeta(L.Get(1)).String()
	}
	switch level {
	case "trace":
		p.logger.Trace().Msg(msg)
	case "debug":
		p.logger.Debug().Msg(msg)
	case "warn":
		p.logger.Warn().Msg(msg)
	case "error":
		p.logger.Error().Msg(msg)
	default:
		p.logger.Info().Msg(msg)
	}
	return 0
}

func (p *Plugin) hostIdentifier(L *lua.LState) int {
	L.Push(lua.LString(p.env.Identifier()))
	return 1
}

func (p *Plugin) hostName(L *lua.LState) int {
	L.Push(lua.LString(p.name))
	return 1
}

// hostBatch runs the given functions as one coordinator batch and waits
// for all of them.
func (p *Plugin) hostBatch(L *lua.LState) int {
	n := L.GetTop()
	fns := make([]*lua.LFunction, 0, n)
	for i := 1; i <= n; i++ {
		fns = append(fns, L.CheckFunction(i))
	}
	coord := p.env.Coordinator()
	if coord == nil {
		coord = lifecycle.New(lifecycle.Synchronous, 1)
	}
	ctx := p.ctx
	return result(L, p.exec.Await(func() error {
		b := coord.Batch(ctx)
		for _, fn := range fns {
			b.Go(func(ctx context.Context) error {
				return p.exec.Execute(ctx, func(L *lua.LState) error {
					L.Push(fn)
					return L.PCall(0, 0, nil)
				})
			})
		}
		return b.Wait()
	}))
}
