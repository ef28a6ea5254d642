package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/modframe/internal/app"
	"github.com/dshills/modframe/internal/config"
	"github.com/dshills/modframe/internal/plugin"
)

// runFlags holds the flags of the run command.
type runFlags struct {
	configPath string
	logLevel   string
	mode       string
	workers    int
	admin      string
	hold       bool
}

// newRootCmd builds the command tree. Output is written to stdout and
// logs to stderr.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "modframe",
		Short:         "Plugin host with a shared runner, event bus and input dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (.toml, .yaml)")

	root.AddCommand(
		newRunCmd(&configPath, stderr),
		newPluginsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(configPath *string, stderr io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [plugins...]",
		Short: "Load, initialize and start plugins",
		Example: "  modframe run clock\n" +
			"  modframe run --config modframe.toml --mode sync --hold\n" +
			"  modframe run --admin 127.0.0.1:9090 --log-level debug clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.configPath = *configPath
			a, err := app.New(f.options(args, stderr))
			if err != nil {
				return err
			}
			defer a.Shutdown()
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Coordinator mode: sync|concurrent")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Coordinator worker count")
	cmd.Flags().StringVar(&f.admin, "admin", "", "Admin HTTP listen address")
	cmd.Flags().BoolVar(&f.hold, "hold", false, "Keep running after every plugin has started")
	return cmd
}

func (f runFlags) options(plugins []string, logOutput io.Writer) app.Options {
	return app.Options{
		ConfigPath: f.configPath,
		Plugins:    plugins,
		LogLevel:   f.logLevel,
		Mode:       f.mode,
		Workers:    f.workers,
		AdminAddr:  f.admin,
		Hold:       f.hold,
		LogOutput:  logOutput,
	}
}

func newPluginsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List plugins discovered on the configured paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			paths := cfg.PluginPaths
			if len(paths) == 0 {
				paths = plugin.DefaultPluginPaths()
			}
			infos, err := plugin.NewLoader(plugin.WithPaths(paths...)).Discover()
			if err != nil {
				return err
			}
			return printPlugins(cmd.OutOrStdout(), infos, cfg.LoadPlugins)
		},
	}
}

// loadConfig reads path, or the defaults when path is empty, and applies
// the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(config.EnvPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printPlugins(w io.Writer, infos []*plugin.Info, autoload []string) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "no plugins found")
		return err
	}
	startup := make(map[string]bool, len(autoload))
	for _, name := range autoload {
		startup[name] = true
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTARTUP\tENTRY")
	for _, info := range infos {
		mark := ""
		if startup[info.Name] {
			mark = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, mark, info.Entry)
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modframe %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
