package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/modframe/internal/lifecycle"
	"github.com/dshills/modframe/internal/registry"
)

// Config is the host configuration.
type Config struct {
	Identifier  string   `toml:"identifier" yaml:"identifier"`
	LoadPlugins []string `toml:"load_plugins" yaml:"load_plugins"`
	PluginPaths []string `toml:"plugin_paths" yaml:"plugin_paths"`
	ConfigDirs  []string `toml:"config_dirs" yaml:"config_dirs"`

	Log         LogConfig         `toml:"log" yaml:"log"`
	Runner      RunnerConfig      `toml:"runner" yaml:"runner"`
	Input       InputConfig       `toml:"input" yaml:"input"`
	Coordinator CoordinatorConfig `toml:"coordinator" yaml:"coordinator"`
	Admin       AdminConfig       `toml:"admin" yaml:"admin"`
	Bridge      BridgeConfig      `toml:"bridge" yaml:"bridge"`

	// Files lists every file read, root first.
	Files []string `toml:"-" yaml:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// RunnerConfig configures the tick scheduler.
type RunnerConfig struct {
	TickInterval    Duration `toml:"tick_interval" yaml:"tick_interval"`
	DuplicatePolicy string   `toml:"duplicate_policy" yaml:"duplicate_policy"`
	UnloadPolicy    string   `toml:"unload_policy" yaml:"unload_policy"`
}

// InputConfig configures the input dispatcher.
type InputConfig struct {
	AsyncWorkers   int    `toml:"async_workers" yaml:"async_workers"`
	QueueSize      int    `toml:"queue_size" yaml:"queue_size"`
	IsAsyncDefault bool   `toml:"is_async_default" yaml:"is_async_default"`
	Source         string `toml:"source" yaml:"source"`
}

// CoordinatorConfig configures plugin lifecycle fan-out.
type CoordinatorConfig struct {
	Mode    string `toml:"mode" yaml:"mode"`
	Workers int    `toml:"workers" yaml:"workers"`
}

// AdminConfig configures the admin HTTP server. An empty Addr disables it.
type AdminConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// BridgeConfig configures the message bridge. Channels are forwarded to
// topics; Consume maps topics back onto channels.
type BridgeConfig struct {
	Enabled  bool              `toml:"enabled" yaml:"enabled"`
	Channels []string          `toml:"channels" yaml:"channels"`
	Consume  map[string]string `toml:"consume" yaml:"consume"`
}

// Input sources.
const (
	SourceNone     = "none"
	SourceTerminal = "terminal"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Identifier: "default",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Runner: RunnerConfig{
			TickInterval:    Duration(16 * time.Millisecond),
			DuplicatePolicy: registry.DuplicateAppend.String(),
			UnloadPolicy:    registry.UnloadClear.String(),
		},
		Input: InputConfig{
			AsyncWorkers: 4,
			QueueSize:    256,
			Source:       SourceNone,
		},
		Coordinator: CoordinatorConfig{
			Mode:    lifecycle.Concurrent.String(),
			Workers: lifecycle.DefaultWorkers,
		},
	}
}

// Validate checks every setting and returns all failures joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(path string, value any, msg string) {
		errs = append(errs, &ValidationError{Path: path, Value: value, Message: msg})
	}

	if strings.TrimSpace(c.Identifier) == "" {
		fail("identifier", c.Identifier, "must not be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "off", "disabled":
	default:
		fail("log.level", c.Log.Level, "unknown level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		fail("log.format", c.Log.Format, "must be console or json")
	}
	if c.Runner.TickInterval < 0 {
		fail("runner.tick_interval", c.Runner.TickInterval, "must not be negative")
	}
	if _, err := registry.ParseDuplicatePolicy(c.Runner.DuplicatePolicy); err != nil {
		fail("runner.duplicate_policy", c.Runner.DuplicatePolicy, err.Error())
	}
	if _, err := registry.ParseUnloadPolicy(c.Runner.UnloadPolicy); err != nil {
		fail("runner.unload_policy", c.Runner.UnloadPolicy, err.Error())
	}
	if c.Input.AsyncWorkers < 1 {
		fail("input.async_workers", c.Input.AsyncWorkers, "must be at least 1")
	}
	if c.Input.QueueSize < 1 {
		fail("input.queue_size", c.Input.QueueSize, "must be at least 1")
	}
	switch c.Input.Source {
	case SourceNone, SourceTerminal:
	default:
		fail("input.source", c.Input.Source, "must be none or terminal")
	}
	if _, err := lifecycle.ParseMode(c.Coordinator.Mode); err != nil {
		fail("coordinator.mode", c.Coordinator.Mode, err.Error())
	}
	if c.Coordinator.Workers < 1 {
		fail("coordinator.workers", c.Coordinator.Workers, "must be at least 1")
	}
	if c.Bridge.Enabled && len(c.Bridge.Channels) == 0 && len(c.Bridge.Consume) == 0 {
		fail("bridge.channels", c.Bridge.Channels, "channels or consume required when the bridge is enabled")
	}
	topics := make([]string, 0, len(c.Bridge.Consume))
	for topic := range c.Bridge.Consume {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if topic == "" || c.Bridge.Consume[topic] == "" {
			fail("bridge.consume", topic, "topic and channel must not be empty")
		}
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration read from strings such as "16ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the duration in time.Duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
