// Command serversignal serves a demo signal and follows signals from a
// terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/serversignal/internal/config"
	"github.com/vango-dev/serversignal/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "serversignal",
		Short: "Synchronize server state to clients with JSON Patch",
		Long: `serversignal keeps a server-owned value in sync with connected
clients by sending JSON Patch diffs over WebSocket.

  serve   publish a demo counter signal
  watch   follow a signal and print every change
  bench   measure update propagation to many replicas`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.noColor {
				errors.DisableColors()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to "+config.ConfigFileName+" (default: nearest in the working directory or its parents)")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "Log format: text or json")
	flags.BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		serveCmd(&g),
		watchCmd(&g),
		benchCmd(&g),
		initCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig reads the config named by --config, or the nearest
// serversignal.json, falling back to defaults when there is none.
func loadConfig(g *globalFlags) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case g.configPath != "":
		loaded, err := config.LoadFile(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg = config.New()
		if path, err := config.FindConfig(wd); err == nil {
			if cfg, err = config.LoadFile(path); err != nil {
				return nil, err
			}
		}
	}

	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
