package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/saferun/config"
	"github.com/isdmx/saferun/logger"
	"github.com/isdmx/saferun/mcpserver"
	"github.com/isdmx/saferun/reaper"
	"github.com/isdmx/saferun/runner"
	"github.com/isdmx/saferun/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			newRegistry,

			// Engine for runner.backend
			newEngine,

			newRunner,
			func(r *runner.Runner) mcpserver.CodeRunner { return r },
			containerManager,

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(registerMetricsServer, registerReaper, registerEngineShutdown),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newEngine(cfg *config.Config, log *zap.Logger, reg *prometheus.Registry) (sandbox.Engine, error) {
	return sandbox.NewEngine(log, cfg.EngineSettings(sandbox.NewPoolMetrics(reg)), cfg.Runner.Backend)
}

func newRunner(cfg *config.Config, log *zap.Logger, engine sandbox.Engine) (*runner.Runner, error) {
	defaults, err := cfg.DefaultPolicy()
	if err != nil {
		return nil, fmt.Errorf("failed to load runner.policy_file: %w", err)
	}
	return runner.New(log, engine, runner.WithDefaultPolicy(defaults)), nil
}

// containerManager exposes the management tools only for container
// backends.
func containerManager(engine sandbox.Engine) mcpserver.ContainerManager {
	if ce, ok := engine.(*sandbox.ContainerEngine); ok {
		return ce
	}
	return nil
}

func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, reg *prometheus.Registry) {
	if cfg.Server.MetricsPort == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting metrics server", zap.Int("port", cfg.Server.MetricsPort))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func registerReaper(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, engine sandbox.Engine) error {
	target, ok := engine.(reaper.Target)
	if !ok || cfg.Container.ReapSchedule == "" {
		return nil
	}
	r, err := reaper.New(log, target, cfg.Container.ReapSchedule)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start()
			return nil
		},
		OnStop: r.Stop,
	})
	return nil
}

func registerEngineShutdown(lc fx.Lifecycle, engine sandbox.Engine) {
	closer, ok := engine.(interface{ Close(context.Context) error })
	if !ok {
		return
	}
	lc.Append(fx.Hook{OnStop: closer.Close})
}
