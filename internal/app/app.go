// Package app wires the runtime together and drives the host lifecycle:
// load plugins, start them, and tear everything down in reverse order on
// shutdown.
package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gdamore/tcell/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/modframe/internal/admin"
	"github.com/dshills/modframe/internal/bridge"
	"github.com/dshills/modframe/internal/config"
	"github.com/dshills/modframe/internal/container"
	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/input"
	"github.com/dshills/modframe/internal/lifecycle"
	"github.com/dshills/modframe/internal/logging"
	"github.com/dshills/modframe/internal/metrics"
	"github.com/dshills/modframe/internal/plugin"
	"github.com/dshills/modframe/internal/plugin/lua"
)

// DefaultShutdownTimeout bounds each teardown phase.
const DefaultShutdownTimeout = 5 * time.Second

// Options configures the application.
type Options struct {
	// ConfigPath is the configuration file. Empty means defaults.
	ConfigPath string

	// Config is used instead of loading ConfigPath when set.
	Config *config.Config

	// Plugins are loaded after the configured load_plugins.
	Plugins []string

	// LogLevel, Mode, Workers and AdminAddr override the configuration
	// when set.
	LogLevel  string
	Mode      string
	Workers   int
	AdminAddr string

	// Hold keeps the host running after every plugin Start has
	// returned, until shutdown is requested.
	Hold bool

	// LogOutput receives log output. Defaults to stderr.
	LogOutput io.Writer

	// Source overrides the configured input source.
	Source input.Source

	// Screen is used by the terminal input source instead of opening
	// the controlling terminal.
	Screen tcell.Screen

	// Factories registers Go plugins by name.
	Factories map[string]plugin.Factory

	// ShutdownTimeout bounds each teardown phase.
	ShutdownTimeout time.Duration
}

// Application owns the runtime: container, plugin manager and the
// auxiliary admin server, message bridge and config watcher.
type Application struct {
	opts   Options
	cfg    *config.Config
	logger zerolog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	container *container.Container
	coord     *lifecycle.Coordinator
	manager   *plugin.Manager

	pubsub *gochannel.GoChannel
	bridge *bridge.Bridge
	admin  *admin.Server

	running  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
}

// New creates an application from opts. Configuration errors are
// returned before anything is started.
func New(opts Options) (*Application, error) {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}

	a := &Application{
		opts: opts,
		cfg:  cfg,
		quit: make(chan struct{}),
	}
	if err := a.bootstrap(); err != nil {
		return nil, err
	}
	return a, nil
}

func resolveConfig(opts Options) (*config.Config, error) {
	cfg := opts.Config
	if cfg == nil {
		if opts.ConfigPath != "" {
			loaded, err := config.Load(opts.ConfigPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}
		if err := cfg.ApplyEnv(config.EnvPrefix); err != nil {
			return nil, err
		}
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Mode != "" {
		cfg.Coordinator.Mode = opts.Mode
	}
	if opts.Workers > 0 {
		cfg.Coordinator.Workers = opts.Workers
	}
	if opts.AdminAddr != "" {
		cfg.Admin.Addr = opts.AdminAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bootstrap initializes components in dependency order.
func (a *Application) bootstrap() error {
	// Loggers are built at trace so the global level can be moved
	// either way on reload.
	a.logger = logging.New(logging.Config{
		Level:   zerolog.TraceLevel,
		Format:  logging.ParseFormat(a.cfg.Log.Format),
		Output:  a.opts.LogOutput,
		Service: "modframe",
	})
	zerolog.SetGlobalLevel(logging.ParseLevel(a.cfg.Log.Level))

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.container = container.New(
		container.Identifier(a.cfg.Identifier),
		container.WithLogger(logging.Component(a.logger, "container")),
		container.WithBusOptions(
			event.WithLogger(logging.Component(a.logger, "event")),
			event.WithMetrics(a.metrics),
			event.WithCreateHook(a.channelCreated),
		),
	)
	if err := a.provideServices(); err != nil {
		return &InitError{Component: "services", Err: err}
	}

	mode, _ := lifecycle.ParseMode(a.cfg.Coordinator.Mode)
	a.coord = lifecycle.New(mode, a.cfg.Coordinator.Workers)

	paths := a.cfg.PluginPaths
	if len(paths) == 0 {
		paths = plugin.DefaultPluginPaths()
	}
	a.manager = plugin.NewManager(a.container, a.coord,
		plugin.WithLoader(plugin.NewLoader(plugin.WithPaths(paths...))),
		plugin.WithScriptFactory(lua.Factory()),
		plugin.WithManagerLogger(logging.Component(a.logger, "plugins")),
		plugin.WithManagerMetrics(a.metrics),
	)
	for name, f := range a.opts.Factories {
		if err := a.manager.Register(name, f); err != nil {
			return &InitError{Component: "plugins", Err: err}
		}
	}

	if a.cfg.Bridge.Enabled {
		log := logging.Component(a.logger, "bridge")
		a.pubsub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, bridge.NewLoggerAdapter(log))
		b, err := bridge.New(container.Bus[any](a.container), a.pubsub, a.cfg.Bridge.Channels,
			bridge.WithLogger(log),
			bridge.WithMetrics(a.metrics),
			bridge.WithSource(a.cfg.Identifier),
		)
		if err != nil {
			return &InitError{Component: "bridge", Err: err}
		}
		a.bridge = b
		// Creation is picked up by channelCreated. Release drops the
		// channels a plugin destroyed.
		a.manager.OnEvent(func(ev plugin.ManagerEvent) {
			if ev.Type == plugin.EventPluginReleased {
				a.bridge.Sync()
			}
		})
	}

	a.admin = admin.New(a.manager, container.Bus[any](a.container),
		admin.WithGatherer(a.registry),
		admin.WithLogger(logging.Component(a.logger, "admin")),
	)
	return nil
}

// Run loads and starts the plugins and blocks until they have all
// returned from Start, or until ctx is done or Shutdown is called. It
// then stops and releases every plugin and closes the container.
func (a *Application) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	log := a.logger
	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()
	aux, auxCtx := errgroup.WithContext(auxCtx)

	if a.cfg.Admin.Addr != "" {
		aux.Go(func() error {
			return a.admin.ListenAndServe(auxCtx, a.cfg.Admin.Addr)
		})
	}
	if a.bridge != nil {
		for topic, channel := range a.cfg.Bridge.Consume {
			aux.Go(func() error {
				return a.bridge.Consume(auxCtx, a.pubsub, topic, channel)
			})
		}
	}
	watcher := a.watchConfig()

	var errs []error
	names := mergeNames(a.cfg.LoadPlugins, a.opts.Plugins)
	log.Info().Strs("plugins", names).Str("identifier", a.cfg.Identifier).Msg("loading plugins")
	if err := a.manager.LoadAll(ctx, names); err != nil {
		errs = append(errs, err)
	}
	if a.bridge != nil {
		a.bridge.Sync()
	}

	// Start runs detached from ctx so plugins get a chance to stop
	// cleanly before their Start context is cancelled.
	startCtx, cancelStart := context.WithCancel(context.Background())
	defer cancelStart()
	startDone := make(chan error, 1)
	go func() {
		startDone <- a.manager.StartAll(startCtx)
	}()

	var (
		startErr error
		returned bool
	)
	select {
	case startErr = <-startDone:
		returned = true
		if a.opts.Hold {
			log.Info().Msg("plugins started, holding until shutdown")
			select {
			case <-ctx.Done():
			case <-auxCtx.Done():
			case <-a.quit:
			}
		}
	case <-ctx.Done():
	case <-auxCtx.Done():
	case <-a.quit:
	}

	log.Info().Msg("shutting down")
	a.stopPlugins()
	cancelStart()
	if !returned {
		select {
		case startErr = <-startDone:
		case <-time.After(a.opts.ShutdownTimeout):
			log.Warn().Dur("timeout", a.opts.ShutdownTimeout).Msg("plugins did not return from start")
		}
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		errs = append(errs, startErr)
	}
	// Plugins started after the first stop pass are stopped here.
	a.stopPlugins()

	releaseCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()
	if err := a.manager.ReleaseAll(releaseCtx); err != nil {
		errs = append(errs, err)
	}

	if watcher != nil {
		_ = watcher.Close()
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
		_ = a.pubsub.Close()
	}
	if err := a.container.Close(); err != nil {
		errs = append(errs, err)
	}
	cancelAux()
	if err := aux.Wait(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// channelCreated lets the bridge attach a forwarded channel as soon as it
// exists, including channels created while a plugin is running.
func (a *Application) channelCreated(name string) {
	if a.bridge != nil {
		a.bridge.Sync()
	}
}

func (a *Application) stopPlugins() {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()
	if err := a.manager.StopAll(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("stop plugins")
	}
}

// watchConfig applies log level changes from the configuration file.
func (a *Application) watchConfig() *config.Watcher {
	if len(a.cfg.Files) == 0 {
		return nil
	}
	log := logging.Component(a.logger, "config")
	w, err := config.NewWatcher(a.cfg, func(cfg *config.Config, err error) {
		if err != nil {
			return
		}
		level := logging.ParseLevel(cfg.Log.Level)
		if level != zerolog.GlobalLevel() {
			zerolog.SetGlobalLevel(level)
			log.Info().Stringer("level", level).Msg("log level changed")
		}
	}, config.WithWatcherLogger(log), config.WithEnvPrefix(config.EnvPrefix))
	if err != nil {
		log.Warn().Err(err).Msg("config watcher disabled")
		return nil
	}
	return w
}

// Shutdown asks Run to stop. It is safe to call more than once.
func (a *Application) Shutdown() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// IsRunning reports whether Run is executing.
func (a *Application) IsRunning() bool {
	return a.running.Load()
}

// Config returns the effective configuration.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *Application) Logger() zerolog.Logger {
	return a.logger
}

// Container returns the service container.
func (a *Application) Container() *container.Container {
	return a.container
}

// Plugins returns the plugin manager.
func (a *Application) Plugins() *plugin.Manager {
	return a.manager
}

// Registry returns the metrics registry.
func (a *Application) Registry() *prometheus.Registry {
	return a.registry
}

// Admin returns the admin server.
func (a *Application) Admin() *admin.Server {
	return a.admin
}

// PubSub returns the in-process message bus the bridge publishes to, or
// nil when the bridge is disabled.
func (a *Application) PubSub() *gochannel.GoChannel {
	return a.pubsub
}

// Bridge returns the message bridge, or nil when disabled.
func (a *Application) Bridge() *bridge.Bridge {
	return a.bridge
}

func mergeNames(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, name := range list {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
