package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// EntryFile is the entry point of a directory plugin.
const EntryFile = "init.lua"

// Loader resolves plugin names to scripts on the filesystem.
type Loader struct {
	mu sync.Mutex

	// Search paths for plugins (checked in order)
	paths []string

	// Discovered plugins cache
	discovered map[string]*Info
}

// Info contains discovery information about a script plugin.
type Info struct {
	Name  string
	Dir   string // directory holding the plugin
	Entry string // path of the script to run
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// NewLoader creates a new plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths:      DefaultPluginPaths(),
		discovered: make(map[string]*Info),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 2)

	// User plugins: ~/.config/modframe/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "modframe", "plugins"))
	}

	// Project plugins: ./plugins/
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

// AddPath appends a search path.
func (l *Loader) AddPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, path)
}

// Discover finds all plugins in the search paths, sorted by name. Earlier
// paths win on name clashes.
func (l *Loader) Discover() ([]*Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.discovered = make(map[string]*Info)
	for _, basePath := range l.paths {
		if err := l.discoverInPath(basePath); err != nil {
			return nil, fmt.Errorf("discover %s: %w", basePath, err)
		}
	}

	plugins := make([]*Info, 0, len(l.discovered))
	for _, info := range l.discovered {
		plugins = append(plugins, info)
	}
	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Name < plugins[j].Name
	})
	return plugins, nil
}

func (l *Loader) discoverInPath(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Not an error if path doesn't exist
		}
		return err
	}

	for _, entry := range entries {
		var info *Info
		if entry.IsDir() {
			info = inspectDir(entry.Name(), filepath.Join(basePath, entry.Name()))
		} else if filepath.Ext(entry.Name()) == ".lua" {
			name := strings.TrimSuffix(entry.Name(), ".lua")
			info = &Info{Name: name, Dir: basePath, Entry: filepath.Join(basePath, entry.Name())}
		}
		if info == nil {
			continue
		}
		if _, exists := l.discovered[info.Name]; !exists {
			l.discovered[info.Name] = info
		}
	}
	return nil
}

func inspectDir(name, dir string) *Info {
	entry := filepath.Join(dir, EntryFile)
	if st, err := os.Stat(entry); err != nil || st.IsDir() {
		return nil
	}
	return &Info{Name: name, Dir: dir, Entry: entry}
}

// Find searches for a plugin by name across all paths, directory plugins
// before single files. Results are cached.
func (l *Loader) Find(name string) (*Info, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid name %q", ErrPluginNotFound, name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if info, ok := l.discovered[name]; ok {
		return info, nil
	}

	for _, basePath := range l.paths {
		dir := filepath.Join(basePath, name)
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			if info := inspectDir(name, dir); info != nil {
				l.discovered[name] = info
				return info, nil
			}
		}

		luaPath := filepath.Join(basePath, name+".lua")
		if st, err := os.Stat(luaPath); err == nil && !st.IsDir() {
			info := &Info{Name: name, Dir: basePath, Entry: luaPath}
			l.discovered[name] = info
			return info, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

// Validate checks that dir is a directory plugin with an entry point.
func Validate(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s: not a directory", dir)
	}
	if inspectDir(filepath.Base(dir), dir) == nil {
		return ErrNoEntryPoint
	}
	return nil
}
