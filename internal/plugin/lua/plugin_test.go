package lua

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modframe/internal/container"
	"github.com/dshills/modframe/internal/input"
	"github.com/dshills/modframe/internal/lifecycle"
	"github.com/dshills/modframe/internal/plugin"
	"github.com/dshills/modframe/internal/runner"
)

type fixture struct {
	c      *container.Container
	m      *plugin.Manager
	dir    string
	events chan input.Event
}

func newFixture(t *testing.T, mode lifecycle.Mode, opts ...plugin.ManagerOption) *fixture {
	t.Helper()
	f := &fixture{
		c:      container.New("lua-env"),
		dir:    t.TempDir(),
		events: make(chan input.Event, 16),
	}
	err := f.c.Provide(plugin.RunnerService, func(id container.Identifier) (any, error) {
		r := runner.New(runner.WithTickInterval(time.Millisecond))
		return r, r.Load(id)
	}, func(v any) error { return v.(*runner.Runner).Unload() })
	if err != nil {
		t.Fatal(err)
	}
	err = f.c.Provide(plugin.InputService, func(id container.Identifier) (any, error) {
		d := input.New(input.WithSource(input.NewChanSource(f.events)))
		return d, d.Load(id)
	}, func(v any) error { return v.(*input.Dispatcher).Unload() })
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]plugin.ManagerOption{
		plugin.WithLoader(plugin.NewLoader(plugin.WithPaths(f.dir))),
		plugin.WithScriptFactory(Factory()),
	}, opts...)
	f.m = plugin.NewManager(f.c, lifecycle.New(mode, 4), opts...)
	t.Cleanup(func() {
		_ = f.m.ReleaseAll(context.Background())
		_ = f.c.Close()
	})
	return f
}

func (f *fixture) load(t *testing.T, name, script string) *Plugin {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name+".lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Load(context.Background(), name); err != nil {
		t.Fatalf("Load %s: %v", name, err)
	}
	h, _ := f.m.Host(name)
	return h.Plugin().(*Plugin)
}

// global reads a global through the executor.
func global(t *testing.T, p *Plugin, name string) any {
	t.Helper()
	var v any
	err := p.exec.Execute(context.Background(), func(L *lua.LState) error {
		v = p.bridge.ToGoValue(L.GetGlobal(name))
		return nil
	})
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return v
}

const tickScript = `
ticks = 0
local tick

function initialize(id)
  assert(runner.load())
  assert(event.create("ticks"))
  tick = function(elapsed)
    ticks = ticks + 1
    event.call("ticks", ticks)
    if ticks >= 3 then runner.stop() end
  end
  assert(runner.push("counter", 0, tick))
  identifier = id
end

function start()
  local ok, err = runner.start()
  if not ok then return false, err end
end

function release()
  popped = runner.pop("counter", 0, tick)
  assert(runner.unload())
end
`

func TestPlugin_RunnerTicks(t *testing.T) {
	f := newFixture(t, lifecycle.Concurrent)
	p := f.load(t, "ticker", tickScript)

	if got := global(t, p, "identifier"); got != "lua-env" {
		t.Errorf("expected identifier lua-env, got %v", got)
	}

	var mu sync.Mutex
	var seen []any
	bus := container.Bus[any](f.c)
	if _, err := bus.Subscribe("ticks", func(v any) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := f.m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	mu.Lock()
	if len(seen) != 3 || seen[0] != int64(1) || seen[2] != int64(3) {
		t.Errorf("unexpected tick payloads %v", seen)
	}
	mu.Unlock()

	if err := f.m.Unload(context.Background(), "ticker"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if f.c.Refs(plugin.RunnerService) != 0 {
		t.Errorf("expected runner released, refs %d", f.c.Refs(plugin.RunnerService))
	}
	if bus.Has("ticks") {
		t.Error("expected plugin channel destroyed on release")
	}
}

func TestPlugin_PopMatchesSameFunction(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	p := f.load(t, "popper", `
function initialize()
  runner.load()
  local fn = function() end
  runner.push("a", 1, fn)
  first = runner.pop("a", 1, fn)
  second = runner.pop("a", 1, fn)
  other = runner.pop("a", 1, function() end)
end
`)
	if global(t, p, "first") != true || global(t, p, "second") != false || global(t, p, "other") != false {
		t.Error("expected pop to match the pushed function only once")
	}
}

func TestPlugin_StopFromOutside(t *testing.T) {
	f := newFixture(t, lifecycle.Concurrent)
	f.load(t, "looper", `
function initialize() runner.load() end
function start() runner.start() end
function stop() runner.stop() end
function release() runner.unload() end
`)

	done := make(chan error, 1)
	go func() { done <- f.m.StartAll(context.Background()) }()

	r, err := container.Acquire[*runner.Runner](f.c, plugin.RunnerService)
	if err != nil {
		t.Fatal(err)
	}
	defer f.c.Release(plugin.RunnerService)
	deadline := time.Now().Add(time.Second)
	for r.State() != runner.StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("runner did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := f.m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartAll: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start() did not return after stop()")
	}
}

func TestPlugin_ErrorsReturnedToScript(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	p := f.load(t, "errs", `
function initialize()
  local ok
  ok, push_err = runner.push("x", 0, function() end)
  ok, stop_err = input.stop()
  runner.load()
  ok, load_err = runner.load()
  ok, chan_err = event.destroy("nope")
  ok, call_err = event.call("nope", 1)
end
`)
	checks := map[string]string{
		"push_err": "runner not loaded",
		"stop_err": "input not loaded",
		"load_err": "already loaded",
		"chan_err": "not found",
		"call_err": "not found",
	}
	for name, want := range checks {
		got, _ := global(t, p, name).(string)
		if !strings.Contains(got, want) {
			t.Errorf("%s: expected %q in %q", name, want, got)
		}
	}
}

func TestPlugin_InitializeFailure(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	if err := os.WriteFile(filepath.Join(f.dir, "bad.lua"), []byte(`
function initialize() return false, "missing config" end
`), 0o644); err != nil {
		t.Fatal(err)
	}
	err := f.m.Load(context.Background(), "bad")
	if err == nil || !strings.Contains(err.Error(), "missing config") {
		t.Fatalf("expected initialize failure, got %v", err)
	}
	if f.m.States()["bad"] != plugin.StateError {
		t.Errorf("expected error state, got %s", f.m.States()["bad"])
	}

	if err := os.WriteFile(filepath.Join(f.dir, "syntax.lua"), []byte("function ("), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Load(context.Background(), "syntax"); err == nil {
		t.Error("expected syntax error")
	}
}

func TestPlugin_EventSubscriptions(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	p := f.load(t, "chat", `
seen = {}
function initialize()
  event.create("chat")
  ids = event.subscribe("chat",
    function(a, b) seen[#seen + 1] = tostring(a) .. tostring(b) end,
    function(a) seen[#seen + 1] = "second:" .. tostring(a) end)
  single = event.subscribe("chat", function(a) seen[#seen + 1] = "third" end)
  id_text = tostring(single)
end

function drop()
  removed = event.unsubscribe("chat", ids, single)
  again, missing = event.unsubscribe("chat", single)
end
`)
	bus := container.Bus[any](f.c)
	if err := bus.Call("chat", Args{"x", "y"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	seen, _ := global(t, p, "seen").([]any)
	if len(seen) != 3 || seen[0] != "xy" || seen[1] != "second:x" || seen[2] != "third" {
		t.Errorf("unexpected deliveries %v", seen)
	}
	if text, _ := global(t, p, "id_text").(string); !strings.Contains(text, ":") {
		t.Errorf("expected printable id, got %q", text)
	}

	err := p.exec.Execute(context.Background(), func(*lua.LState) error {
		return p.state.CallGlobal("drop")
	})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if global(t, p, "removed") != true || global(t, p, "again") != false || global(t, p, "missing") != int64(1) {
		t.Error("unexpected unsubscribe results")
	}
	if n, _ := bus.Subscribers("chat"); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}

func TestPlugin_NestedEventCall(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	p := f.load(t, "echo", `
function initialize()
  event.create("ping")
  event.create("pong")
  event.subscribe("ping", function(n) event.call("pong", n + 1) end)
  event.subscribe("pong", function(n) result = n end)
  ok = event.call("ping", 1)
end
`)
	if global(t, p, "ok") != true || global(t, p, "result") != int64(2) {
		t.Errorf("expected nested call result 2, got %v", global(t, p, "result"))
	}
}

func TestPlugin_InputHandlers(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	p := f.load(t, "keys", `
keys = {}
clicks = 0
local onKey = function(ev) keys[#keys + 1] = ev.key end
local onMouse = function(ev) if ev.double_click then clicks = clicks + 1 end end

function initialize()
  assert(input.load())
  assert(input.push("keys", 0, "keyboard", onKey, false))
  assert(input.push("mouse", 0, 1, onMouse, false))
  ok, bad_channel = input.push("x", 0, "joystick", onKey)
end

function start()
  local ok, err = input.start()
  if not ok then return false, err end
end

function release()
  input.pop("keys", 0, "keyboard", onKey, false)
  input.unload()
end
`)
	if s, _ := global(t, p, "bad_channel").(string); s == "" {
		t.Error("expected invalid channel error")
	}

	f.events <- input.KeyEvent("a")
	f.events <- input.KeyEvent("b")
	click := input.MouseEvent(input.ButtonLeft, 1, 1)
	click.DoubleClick = true
	f.events <- click
	close(f.events)

	if err := f.m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	keys, _ := global(t, p, "keys").([]any)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("unexpected keys %v", keys)
	}
	if global(t, p, "clicks") != int64(1) {
		t.Errorf("expected 1 double click, got %v", global(t, p, "clicks"))
	}
}

func TestPlugin_CloseRemovesLeftoverHandlers(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	r, err := container.Acquire[*runner.Runner](f.c, plugin.RunnerService)
	if err != nil {
		t.Fatal(err)
	}
	defer f.c.Release(plugin.RunnerService)

	f.load(t, "sloppy", `
function initialize()
  runner.load()
  runner.push("left", 0, function() end)
end
`)
	if len(r.Handlers()) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(r.Handlers()))
	}
	if err := f.m.Unload(context.Background(), "sloppy"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if len(r.Handlers()) != 0 {
		t.Errorf("expected leftover handler removed, got %v", r.Handlers())
	}
}

func TestPlugin_CloseAfterUnloadLogsNoRemoval(t *testing.T) {
	var buf syncBuffer
	f := newFixture(t, lifecycle.Synchronous, plugin.WithManagerLogger(zerolog.New(&buf)))

	f.load(t, "tidy", `
function initialize()
  runner.load()
  runner.push("left", 0, function() end)
  runner.unload()
end
`)
	if err := f.m.Unload(context.Background(), "tidy"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "removed handler left registered") || strings.Contains(out, "remove leftover handler") {
		t.Errorf("unexpected leftover log after unload: %s", out)
	}
}

func TestPlugin_CloseLogsRemovedHandler(t *testing.T) {
	var buf syncBuffer
	f := newFixture(t, lifecycle.Synchronous, plugin.WithManagerLogger(zerolog.New(&buf)))
	f.load(t, "sloppy", `
function initialize()
  runner.load()
  runner.push("left", 0, function() end)
end
`)
	if err := f.m.Unload(context.Background(), "sloppy"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if !strings.Contains(buf.String(), "removed handler left registered") {
		t.Errorf("expected removal to be logged, got %s", buf.String())
	}
}

func TestPlugin_EventCallAsync(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	p := f.load(t, "fanout", `
function initialize()
  event.create("fan")
  seen = 0
  event.subscribe("fan",
    function(n) seen = seen + n end,
    function(n) seen = seen + n end,
    function(n) seen = seen + n end)
  ok = event.call_async("fan", 2)
  missing, msg = event.call_async("nope", 1)
end
`)
	if global(t, p, "ok") != true {
		t.Error("expected call_async to succeed")
	}
	if got := global(t, p, "seen"); got != int64(6) {
		t.Errorf("expected every subscriber to run, seen = %v", got)
	}
	if global(t, p, "missing") != nil {
		t.Error("expected call_async on a missing channel to fail")
	}
	if msg, _ := global(t, p, "msg").(string); msg == "" {
		t.Error("expected an error message for the missing channel")
	}
}

func TestPlugin_NestedStopKeepsStartContext(t *testing.T) {
	f := newFixture(t, lifecycle.Synchronous)
	p := f.load(t, "nested", `
function initialize() runner.load() end
function start()
  runner.start()
  after = host.batch(function() batched = true end)
end
function stop() runner.stop() end
function release() runner.unload() end
`)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()

	r := p.env.HeldRunner()
	deadline := time.Now().Add(time.Second)
	for r.State() != runner.StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("runner did not start")
		}
		time.Sleep(time.Millisecond)
	}

	stopCtx, cancel := context.WithCancel(context.Background())
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start() did not return after stop()")
	}
	if global(t, p, "after") != true || global(t, p, "batched") != true {
		t.Error("expected host.batch after the runner loop to use the start context")
	}
}

func TestPlugin_Batch(t *testing.T) {
	for _, mode := range []lifecycle.Mode{lifecycle.Synchronous, lifecycle.Concurrent} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, mode)
			p := f.load(t, "batch", `
function initialize()
  ok = host.batch(
    function() a = 1 end,
    function() b = 2 end,
    function() c = host.name() end)
  failed, msg = host.batch(function() error("nope") end)
end
`)
			if global(t, p, "ok") != true || global(t, p, "a") != int64(1) || global(t, p, "b") != int64(2) {
				t.Error("expected every batch function to run")
			}
			if global(t, p, "c") != "batch" {
				t.Errorf("expected host.name() = batch, got %v", global(t, p, "c"))
			}
			if global(t, p, "failed") != nil {
				t.Error("expected failed batch to return nil")
			}
			if msg, _ := global(t, p, "msg").(string); !strings.Contains(msg, "nope") {
				t.Errorf("expected batch error message, got %q", msg)
			}
		})
	}
}

func TestPlugin_LifecycleBeforeInitialize(t *testing.T) {
	p := NewPlugin("x", "x.lua")
	if err := p.Start(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
