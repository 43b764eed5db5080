package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/saferun/policy"
	"github.com/isdmx/saferun/reaper"
	"github.com/isdmx/saferun/sandbox"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Runner: RunnerConfig{
			Backend: sandbox.BackendDocker,
		},
		Local: LocalConfig{
			EnvDir:     "/var/lib/saferun",
			EnvManager: sandbox.ManagerCopy,
		},
		Container: ContainerConfig{
			ReapSchedule: reaper.DefaultSchedule,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ValidConfig", mutate: func(*Config) {}},
		{name: "InvalidServerTransport", mutate: func(c *Config) { c.Server.Transport = "invalid" }, wantErr: "invalid server.transport"},
		{name: "InvalidHTTPPort", mutate: func(c *Config) { c.Server.HTTPPort = 0 }, wantErr: "server.http_port must be between"},
		{name: "InvalidMetricsPort", mutate: func(c *Config) { c.Server.MetricsPort = 70000 }, wantErr: "server.metrics_port"},
		{name: "InvalidLoggingMode", mutate: func(c *Config) { c.Logging.Mode = "invalid_mode" }, wantErr: "invalid logging.mode"},
		{name: "InvalidLogLevel", mutate: func(c *Config) { c.Logging.Level = "invalid_level" }, wantErr: "invalid logging.level"},
		{name: "UnsupportedBackend", mutate: func(c *Config) { c.Runner.Backend = "kubernetes" }, wantErr: "runner.backend must be one of local, docker, podman"},
		{name: "Podman", mutate: func(c *Config) { c.Runner.Backend = sandbox.BackendPodman }},
		{name: "NegativePoolSize", mutate: func(c *Config) { c.Container.PoolSize = -1 }, wantErr: "container.pool_size must not be negative"},
		{name: "ConflictingConnection", mutate: func(c *Config) {
			c.Container.Context = "remote"
			c.Container.SSHHost = "builder"
		}, wantErr: "container connection"},
		{name: "OrphanSSHUser", mutate: func(c *Config) { c.Container.SSHUser = "ci" }, wantErr: "ssh_user requires ssh_host"},
		{name: "UnpinnedContainerPackage", mutate: func(c *Config) { c.Container.Packages = []string{"penlight"} }, wantErr: "container.packages"},
		{name: "InvalidReapSchedule", mutate: func(c *Config) { c.Container.ReapSchedule = "sometimes" }, wantErr: "container.reap_schedule"},
		{name: "ValidLocal", mutate: func(c *Config) { c.Runner.Backend = sandbox.BackendLocal }},
		{name: "LocalIgnoresContainerSection", mutate: func(c *Config) {
			c.Runner.Backend = sandbox.BackendLocal
			c.Container.SSHUser = "ci"
		}},
		{name: "LocalEmptyEnvDir", mutate: func(c *Config) {
			c.Runner.Backend = sandbox.BackendLocal
			c.Local.EnvDir = " "
		}, wantErr: "local.env_dir must not be empty"},
		{name: "LocalInvalidManager", mutate: func(c *Config) {
			c.Runner.Backend = sandbox.BackendLocal
			c.Local.EnvManager = "conda"
		}, wantErr: "local.env_manager must be either"},
		{name: "LocalUnpinnedPackage", mutate: func(c *Config) {
			c.Runner.Backend = sandbox.BackendLocal
			c.Local.Packages = []string{"penlight>=1"}
		}, wantErr: "local.packages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, "stdio", cfg.Server.Transport)
		assert.Equal(t, 8080, cfg.Server.HTTPPort)
		assert.Equal(t, sandbox.BackendDocker, cfg.Runner.Backend)
		assert.Equal(t, sandbox.DefaultImage, cfg.Container.DefaultImage)
		assert.Equal(t, reaper.DefaultSchedule, cfg.Container.ReapSchedule)
		assert.Equal(t, sandbox.ManagerCopy, cfg.Local.EnvManager)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "saferun.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  transport: http
  http_port: 9090
runner:
  backend: podman
container:
  namespace: team-a
  packages: ["penlight==1.14.0"]
  pool_size: 2
  ttl_sec: 120
  ssh_host: builder
  ssh_user: ci
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.HTTPPort)
		assert.Equal(t, sandbox.BackendPodman, cfg.Runner.Backend)
		assert.Equal(t, []string{"penlight==1.14.0"}, cfg.Container.Packages)
		assert.Equal(t, "builder", cfg.Container.SSHHost)

		settings := cfg.EngineSettings(nil)
		assert.Equal(t, 2, settings.Container.PoolSize)
		assert.Equal(t, 120*time.Second, settings.Container.TTL)
		assert.Zero(t, settings.Container.AcquireTimeout)
		assert.Equal(t, "team-a", settings.Container.Images.Namespace)
		assert.Equal(t, sandbox.Connection{SSHHost: "builder", SSHUser: "ci"}, settings.Container.Connection)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("SAFERUN_RUNNER_BACKEND", "local")
		t.Setenv("SAFERUN_LOCAL_ENV_MANAGER", "go")
		t.Setenv("SAFERUN_SERVER_METRICS_PORT", "9100")

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, sandbox.BackendLocal, cfg.Runner.Backend)
		assert.Equal(t, sandbox.ManagerGo, cfg.Local.EnvManager)
		assert.Equal(t, 9100, cfg.Server.MetricsPort)
	})

	t.Run("InvalidFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "saferun.yaml")
		require.NoError(t, os.WriteFile(path, []byte("runner:\n  backend: firecracker\n"), 0o600))
		_, err := Load(path)
		require.ErrorContains(t, err, "config validation error")
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorContains(t, err, "error reading config file")
	})
}

func TestDefaultPolicy(t *testing.T) {
	cfg := validConfig()
	p, err := cfg.DefaultPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.Default(), p)

	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("timeout_seconds = 12\n"), 0o600))
	cfg.Runner.PolicyFile = path
	p, err = cfg.DefaultPolicy()
	require.NoError(t, err)
	assert.Equal(t, 12, p.TimeoutSeconds)
	assert.Equal(t, path, p.ConfigPath)
}
