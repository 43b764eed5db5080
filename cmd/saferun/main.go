package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/saferun/config"
	"github.com/isdmx/saferun/logger"
	"github.com/isdmx/saferun/sandbox"
)

// Global flags.
var (
	configFile string
	backend    string
	verbose    bool
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "saferun",
		Short: "Run Lua snippets under an execution policy",
		Long: `saferun executes untrusted Lua code in a separate worker process,
either on the host or inside a pooled container, and reports one JSON
result per run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&backend, "backend", "", "Execution backend (local, docker, podman)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newCleanupCmd())

	return root
}

// setup loads configuration, applies the global flag overrides and builds
// the logger and engine every subcommand needs.
func setup() (*config.Config, *zap.Logger, sandbox.Engine, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if backend != "" {
		cfg.Runner.Backend = backend
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}

	log, err := logger.New(cfg.Logging.Mode, level)
	if err != nil {
		return nil, nil, nil, err
	}

	engine, err := sandbox.NewEngine(log, cfg.EngineSettings(nil), cfg.Runner.Backend)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, engine, nil
}

func containerEngine(engine sandbox.Engine) (*sandbox.ContainerEngine, error) {
	ce, ok := engine.(*sandbox.ContainerEngine)
	if !ok {
		return nil, fmt.Errorf("backend %q does not manage containers", engine.Name())
	}
	return ce, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
