package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// BaseName is the file name looked up in each config_dirs entry.
const BaseName = "modframe"

// MaxIncludeDepth bounds config_dirs nesting.
const MaxIncludeDepth = 8

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "MODFRAME_"

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Parse decodes data onto the defaults. Includes are not followed.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	if err := decode(data, format, "<input>", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the file at path onto the defaults and follows its
// config_dirs. Relative plugin_paths are resolved against the file
// that lists them.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	format, err := FormatOf(abs)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := decode(data, format, abs, cfg); err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	cfg.PluginPaths = resolvePaths(dir, cfg.PluginPaths)
	cfg.Files = []string{abs}

	visited := map[string]bool{abs: true}
	dirs := resolvePaths(dir, cfg.ConfigDirs)
	if err := cfg.include(dirs, visited, 1); err != nil {
		return nil, err
	}
	cfg.LoadPlugins = dedupe(cfg.LoadPlugins)
	cfg.PluginPaths = dedupe(cfg.PluginPaths)
	return cfg, nil
}

// includeFile is the subset of settings an included file may contribute.
type includeFile struct {
	LoadPlugins []string `toml:"load_plugins" yaml:"load_plugins"`
	PluginPaths []string `toml:"plugin_paths" yaml:"plugin_paths"`
	ConfigDirs  []string `toml:"config_dirs" yaml:"config_dirs"`
}

func (c *Config) include(dirs []string, visited map[string]bool, depth int) error {
	if len(dirs) == 0 {
		return nil
	}
	if depth > MaxIncludeDepth {
		return fmt.Errorf("%w: %s", ErrIncludeDepthExceeded, dirs[0])
	}
	for _, dir := range dirs {
		path, ok := findConfigFile(dir)
		if !ok || visited[path] {
			continue
		}
		visited[path] = true

		format, _ := FormatOf(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		var inc includeFile
		if err := decode(data, format, path, &inc); err != nil {
			return err
		}
		c.Files = append(c.Files, path)
		c.LoadPlugins = append(c.LoadPlugins, inc.LoadPlugins...)
		c.PluginPaths = append(c.PluginPaths, resolvePaths(dir, inc.PluginPaths)...)
		if err := c.include(resolvePaths(dir, inc.ConfigDirs), visited, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func findConfigFile(dir string) (string, bool) {
	for _, ext := range []string{".toml", ".yaml", ".yml"} {
		path := filepath.Join(dir, BaseName+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func decode(data []byte, format Format, path string, v any) error {
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, v); err != nil {
			perr := &ParseError{Path: path, Message: err.Error(), Err: err}
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				perr.Line, perr.Column = derr.Position()
			}
			return perr
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, v); err != nil {
			perr := &ParseError{Path: path, Message: err.Error(), Err: err}
			if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
				perr.Line, _ = strconv.Atoi(m[1])
			}
			return perr
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

func resolvePaths(dir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// envMapping maps variable suffixes to setters.
var envMapping = map[string]func(c *Config, v string) error{
	"IDENTIFIER": func(c *Config, v string) error { c.Identifier = v; return nil },
	"LOG_LEVEL":  func(c *Config, v string) error { c.Log.Level = v; return nil },
	"LOG_FORMAT": func(c *Config, v string) error { c.Log.Format = v; return nil },
	"ADMIN_ADDR": func(c *Config, v string) error { c.Admin.Addr = v; return nil },
	"INPUT_SOURCE": func(c *Config, v string) error {
		c.Input.Source = v
		return nil
	},
	"COORDINATOR_MODE": func(c *Config, v string) error { c.Coordinator.Mode = v; return nil },
	"COORDINATOR_WORKERS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Coordinator.Workers = n
		return nil
	},
	"TICK_INTERVAL": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Runner.TickInterval = Duration(d)
		return nil
	},
	"LOAD_PLUGINS": func(c *Config, v string) error {
		c.LoadPlugins = splitList(v)
		return nil
	},
	"PLUGIN_PATHS": func(c *Config, v string) error {
		c.PluginPaths = append(c.PluginPaths, filepath.SplitList(v)...)
		return nil
	},
}

// ApplyEnv overrides settings from environment variables named prefix
// followed by a mapped suffix, e.g. MODFRAME_LOG_LEVEL. Empty values are
// treated as set.
func (c *Config) ApplyEnv(prefix string) error {
	var errs []error
	for suffix, set := range envMapping {
		name := prefix + suffix
		val, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := set(c, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
