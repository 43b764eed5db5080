package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/saferun/runner"
	"github.com/isdmx/saferun/sandbox"
)

func newRunCmd() *cobra.Command {
	var (
		input      string
		policyFile string
	)

	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Execute a Lua snippet and print its JSON result",
		Long: `Execute a Lua snippet read from a file, or from stdin when the
argument is "-" or omitted. The process exits with the run's exit_code.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			opts := []runner.RunOption{}
			if input != "" {
				var data map[string]any
				if err := json.Unmarshal([]byte(input), &data); err != nil {
					return fmt.Errorf("--input must be a JSON object: %w", err)
				}
				opts = append(opts, runner.WithInput(data))
			}
			if policyFile != "" {
				opts = append(opts, runner.WithPolicyFile(policyFile))
			}

			cfg, log, engine, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer closeEngine(engine, log)

			defaults, err := cfg.DefaultPolicy()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := runner.New(log, engine, runner.WithDefaultPolicy(defaults)).Run(ctx, code, opts...)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.ExitCode != 0 {
				return exitError{code: result.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSON object bound as globals of the run")
	cmd.Flags().StringVar(&policyFile, "policy", "", "Path to a policy file (TOML, YAML or JSON)")

	return cmd
}

func readSource(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("cannot read code from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", args[0], err)
	}
	return string(data), nil
}

func closeEngine(engine sandbox.Engine, log *zap.Logger) {
	closer, ok := engine.(interface{ Close(ctx context.Context) error })
	if !ok {
		return
	}
	if err := closer.Close(context.Background()); err != nil {
		log.Warn("failed to release pooled containers", zap.Error(err))
	}
}
