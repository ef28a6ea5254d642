// Package config loads and watches the host configuration.
//
// Files are TOML or YAML, chosen by extension. A file may list
// config_dirs; each directory's modframe.toml, modframe.yaml or
// modframe.yml is read in turn and contributes its load_plugins,
// plugin_paths and further config_dirs. Scalar settings come from the
// root file only.
//
//	identifier = "main"
//	load_plugins = ["clock", "keys"]
//	config_dirs = ["conf.d"]
//
//	[runner]
//	tick_interval = "16ms"
//
//	[coordinator]
//	mode = "concurrent"
//	workers = 5
//
//	[bridge]
//	enabled = true
//	channels = ["clock"]
//
//	[bridge.consume]
//	"remote.clock" = "clock"
//
// Environment variables prefixed MODFRAME_ override the file.
package config
