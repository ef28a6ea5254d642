package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/modframe/internal/bridge"
	"github.com/dshills/modframe/internal/config"
	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/input"
	"github.com/dshills/modframe/internal/plugin"
	"github.com/dshills/modframe/internal/runner"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Identifier = "test"
	cfg.Runner.TickInterval = config.Duration(time.Millisecond)
	cfg.PluginPaths = []string{os.TempDir()}
	return cfg
}

// tickPlugin runs the shared runner until its handler has seen limit ticks.
func tickPlugin(limit int64, ticks *atomic.Int64) plugin.Factory {
	return func(name string) (plugin.Plugin, error) {
		var (
			r *runner.Runner
			h *runner.Handler
		)
		return &plugin.Funcs{
			InitializeFunc: func(ctx context.Context, env *plugin.Env) error {
				var err error
				if r, err = env.Runner(); err != nil {
					return err
				}
				h = runner.NewHandler(func(time.Duration) {
					if ticks.Add(1) >= limit {
						_ = r.Stop()
					}
				})
				return r.Push(name, 0, h)
			},
			StartFunc: func(ctx context.Context) error {
				return r.Start(ctx)
			},
			StopFunc: func(ctx context.Context) error {
				if err := r.Stop(); err != nil && !errors.Is(err, runner.ErrNotRunning) {
					return err
				}
				return nil
			},
			ReleaseFunc: func(ctx context.Context) error {
				_, err := r.Pop(name, 0, h)
				return err
			},
		}, nil
	}
}

// idlePlugin returns from Start immediately.
func idlePlugin(started chan<- string) plugin.Factory {
	return func(name string) (plugin.Plugin, error) {
		return &plugin.Funcs{
			StartFunc: func(ctx context.Context) error {
				started <- name
				return nil
			},
		}, nil
	}
}

func runApp(t *testing.T, a *Application) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Run(ctx)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.Workers = 0
	_, err := New(Options{Config: cfg, LogOutput: io.Discard})

	var ierr *InitError
	if !errors.As(err, &ierr) || ierr.Component != "config" {
		t.Fatalf("err = %v, want config InitError", err)
	}
	if !errors.Is(err, config.ErrValidationFailed) {
		t.Errorf("err = %v, want ErrValidationFailed", err)
	}
}

func TestNew_Overrides(t *testing.T) {
	a, err := New(Options{
		Config:    testConfig(),
		LogLevel:  "debug",
		Mode:      "sync",
		Workers:   2,
		AdminAddr: "127.0.0.1:0",
		LogOutput: io.Discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := a.Config()
	if cfg.Log.Level != "debug" || cfg.Coordinator.Mode != "sync" || cfg.Coordinator.Workers != 2 || cfg.Admin.Addr != "127.0.0.1:0" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestRun_PluginDrivesRunner(t *testing.T) {
	var ticks atomic.Int64
	a, err := New(Options{
		Config:    testConfig(),
		Plugins:   []string{"ticker"},
		LogOutput: io.Discard,
		Factories: map[string]plugin.Factory{"ticker": tickPlugin(5, &ticks)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var (
		mu     sync.Mutex
		events []string
	)
	a.Plugins().OnEvent(func(ev plugin.ManagerEvent) {
		mu.Lock()
		events = append(events, ev.Type.String())
		mu.Unlock()
	})

	if err := runApp(t, a); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := ticks.Load(); n < 5 {
		t.Errorf("ticks = %d, want >= 5", n)
	}
	if a.Plugins().Count() != 0 {
		t.Errorf("plugins still loaded: %v", a.Plugins().Names())
	}
	if refs := a.Container().Refs(plugin.RunnerService); refs != 0 {
		t.Errorf("runner refs = %d, want 0", refs)
	}

	mu.Lock()
	defer mu.Unlock()
	got := strings.Join(events, ",")
	if !strings.HasPrefix(got, "loaded,started") || !strings.HasSuffix(got, "released") {
		t.Errorf("events = %s", got)
	}
}

func TestRun_ShutdownStopsBlockingPlugin(t *testing.T) {
	var ticks atomic.Int64
	a, err := New(Options{
		Config:    testConfig(),
		Plugins:   []string{"forever"},
		LogOutput: io.Discard,
		Factories: map[string]plugin.Factory{"forever": tickPlugin(1<<62, &ticks)},
	})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for ticks.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		a.Shutdown()
		a.Shutdown()
	}()

	if err := runApp(t, a); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.IsRunning() {
		t.Error("still running after Run returned")
	}
}

func TestRun_HoldUntilContextDone(t *testing.T) {
	started := make(chan string, 2)
	a, err := New(Options{
		Config:    testConfig(),
		Plugins:   []string{"a", "b"},
		Hold:      true,
		LogOutput: io.Discard,
		Factories: map[string]plugin.Factory{
			"a": idlePlugin(started),
			"b": idlePlugin(started),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	<-started
	<-started
	select {
	case err := <-done:
		t.Fatalf("Run returned while holding: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := a.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_UnknownPluginReported(t *testing.T) {
	a, err := New(Options{
		Config:    testConfig(),
		Plugins:   []string{"does-not-exist"},
		LogOutput: io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = runApp(t, a)
	if !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Errorf("Run = %v, want ErrPluginNotFound", err)
	}
}

func TestRun_LuaPluginWithBridge(t *testing.T) {
	dir := t.TempDir()
	script := `
local count = 0
local tick

function initialize(id)
  assert(runner.load())
  tick = function(elapsed)
    count = count + 1
    if count >= 3 then runner.stop() end
  end
  assert(runner.push("lua-ticker", 0, tick))
end

function start()
  local ok, err = runner.start()
  if not ok then return false, err end
end

function release()
  runner.pop("lua-ticker", 0, tick)
  runner.unload()
end
`
	if err := os.WriteFile(filepath.Join(dir, "ticker.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.PluginPaths = []string{dir}
	cfg.LoadPlugins = []string{"ticker"}
	cfg.Bridge.Enabled = true
	cfg.Bridge.Channels = []string{runner.DefaultTickChannel}

	a, err := New(Options{Config: cfg, LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := a.PubSub().Subscribe(context.Background(), a.Bridge().Topic(runner.DefaultTickChannel))
	if err != nil {
		t.Fatal(err)
	}
	var forwarded atomic.Int64
	go func() {
		for msg := range msgs {
			forwarded.Add(1)
			msg.Ack()
		}
	}()

	if err := runApp(t, a); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if forwarded.Load() == 0 {
		t.Error("no tick messages were bridged")
	}
}

func TestRun_BridgeAttachesChannelCreatedInStart(t *testing.T) {
	dir := t.TempDir()
	script := `
local count = 0
local tick

function initialize(id)
  assert(runner.load())
  tick = function(elapsed)
    count = count + 1
    event.call("late", count)
    if count >= 20 then runner.stop() end
  end
  assert(runner.push("late", 0, tick))
end

function start()
  assert(event.create("late"))
  local ok, err = runner.start()
  if not ok then return false, err end
end

function release()
  runner.pop("late", 0, tick)
  runner.unload()
end
`
	if err := os.WriteFile(filepath.Join(dir, "late.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.PluginPaths = []string{dir}
	cfg.LoadPlugins = []string{"late"}
	cfg.Bridge.Enabled = true
	cfg.Bridge.Channels = []string{"late"}

	a, err := New(Options{Config: cfg, LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := a.PubSub().Subscribe(context.Background(), a.Bridge().Topic("late"))
	if err != nil {
		t.Fatal(err)
	}
	var forwarded atomic.Int64
	go func() {
		for msg := range msgs {
			forwarded.Add(1)
			msg.Ack()
		}
	}()

	if err := runApp(t, a); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if forwarded.Load() == 0 {
		t.Error("calls on a channel created in start were not bridged")
	}
}

func TestRun_BridgeConsumesTopic(t *testing.T) {
	got := make(chan any, 1)
	cfg := testConfig()
	cfg.Bridge.Enabled = true
	cfg.Bridge.Consume = map[string]string{"remote.inbox": "inbox"}

	a, err := New(Options{
		Config:    cfg,
		Plugins:   []string{"inbox"},
		Hold:      true,
		LogOutput: io.Discard,
		Factories: map[string]plugin.Factory{"inbox": func(name string) (plugin.Plugin, error) {
			return &plugin.Funcs{
				InitializeFunc: func(ctx context.Context, env *plugin.Env) error {
					s, err := env.Events()
					if err != nil {
						return err
					}
					if err := s.Create("inbox"); err != nil {
						return err
					}
					_, err = s.Subscribe("inbox", func(p any) {
						select {
						case got <- p:
						default:
						}
					})
					return err
				},
			}, nil
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	// A second bridge on its own bus plays the remote publisher.
	remoteBus := event.NewBus[any]()
	_ = remoteBus.Create("inbox")
	remote, err := bridge.New(remoteBus, a.PubSub(), []string{"inbox"},
		bridge.WithSource("remote"), bridge.WithTopicPrefix("remote."))
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()
	remote.Sync()

	// gochannel drops messages published before the consumer subscribes.
	var payload any
	deadline := time.Now().Add(5 * time.Second)
	for payload == nil {
		_ = remoteBus.Call("inbox", "hello")
		select {
		case payload = <-got:
		case <-time.After(20 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("consumed message was not delivered")
			}
		}
	}
	if payload != "hello" {
		t.Errorf("payload = %#v, want hello", payload)
	}

	a.Shutdown()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRun_AdminServesPlugins(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	started := make(chan string, 1)
	cfg := testConfig()
	cfg.Admin.Addr = addr
	a, err := New(Options{
		Config:    cfg,
		Plugins:   []string{"idle"},
		Hold:      true,
		LogOutput: io.Discard,
		Factories: map[string]plugin.Factory{"idle": idlePlugin(started)},
	})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	<-started

	var body string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/plugins")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, `"name":"idle"`) || !strings.Contains(body, `"state":"running"`) {
		t.Errorf("/plugins = %q", body)
	}

	a.Shutdown()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestInputService_TerminalSource(t *testing.T) {
	screen := tcell.NewSimulationScreen("")
	if err := screen.Init(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Input.Source = config.SourceTerminal

	got := make(chan input.Event, 1)
	a, err := New(Options{
		Config:    cfg,
		Plugins:   []string{"keys"},
		Screen:    screen,
		LogOutput: io.Discard,
		Factories: map[string]plugin.Factory{"keys": func(name string) (plugin.Plugin, error) {
			var d *input.Dispatcher
			h := input.NewHandler(func(ev input.Event) {
				got <- ev
				_ = d.Stop()
			})
			return &plugin.Funcs{
				InitializeFunc: func(ctx context.Context, env *plugin.Env) error {
					var err error
					if d, err = env.Input(); err != nil {
						return err
					}
					return d.Push(name, 0, input.Keyboard, false, h)
				},
				StartFunc: func(ctx context.Context) error {
					go func() {
						time.Sleep(20 * time.Millisecond)
						screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
					}()
					return d.Start(ctx)
				},
			}, nil
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := runApp(t, a); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Rune != 'q' {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no key event delivered")
	}
}

func TestMergeNames(t *testing.T) {
	got := mergeNames([]string{"a", "b"}, []string{"b", "", "c"})
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("mergeNames = %v", got)
	}
}
