package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/saferun/policy"
	"github.com/isdmx/saferun/reaper"
	"github.com/isdmx/saferun/sandbox"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Local     LocalConfig     `mapstructure:"local"`
	Container ContainerConfig `mapstructure:"container"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// RunnerConfig selects the execution backend and the default policy.
type RunnerConfig struct {
	Backend    string `mapstructure:"backend"`
	PolicyFile string `mapstructure:"policy_file"`
	// LockPolicy rejects per-call policy objects on the MCP surface.
	LockPolicy bool `mapstructure:"lock_policy"`
}

// LocalConfig holds the subprocess backend settings.
type LocalConfig struct {
	EnvDir     string   `mapstructure:"env_dir"`
	EnvManager string   `mapstructure:"env_manager"`
	WorkerPath string   `mapstructure:"worker_path"`
	Packages   []string `mapstructure:"packages"`
}

// ContainerConfig holds the docker and podman backend settings.
type ContainerConfig struct {
	Image        string   `mapstructure:"image"`
	DefaultImage string   `mapstructure:"default_image"`
	LocalImage   string   `mapstructure:"local_image"`
	WorkerPath   string   `mapstructure:"worker_path"`
	Namespace    string   `mapstructure:"namespace"`
	Packages     []string `mapstructure:"packages"`

	PoolSize          int `mapstructure:"pool_size"`
	MaxRuns           int `mapstructure:"max_runs"`
	TTLSec            int `mapstructure:"ttl_sec"`
	AcquireTimeoutSec int `mapstructure:"acquire_timeout_sec"`

	Context    string `mapstructure:"context"`
	Host       string `mapstructure:"host"`
	SSHHost    string `mapstructure:"ssh_host"`
	SSHUser    string `mapstructure:"ssh_user"`
	SSHPort    int    `mapstructure:"ssh_port"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`

	ReapSchedule string `mapstructure:"reap_schedule"`
}

// New loads and validates the application configuration from config.yaml
// in "." or "./config", overridden by SAFERUN_* environment variables.
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or searches the default
// locations when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("SAFERUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 0)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("runner.backend", sandbox.BackendDocker)
	v.SetDefault("runner.policy_file", "")
	v.SetDefault("runner.lock_policy", false)

	v.SetDefault("local.env_dir", ".saferun/env")
	v.SetDefault("local.env_manager", sandbox.ManagerCopy)
	v.SetDefault("local.worker_path", "")
	v.SetDefault("local.packages", []string{})

	// Container defaults
	v.SetDefault("container.image", "")
	v.SetDefault("container.default_image", sandbox.DefaultImage)
	v.SetDefault("container.local_image", sandbox.DefaultLocalImage)
	v.SetDefault("container.worker_path", "")
	v.SetDefault("container.namespace", "")
	v.SetDefault("container.packages", []string{})
	v.SetDefault("container.pool_size", 0)
	v.SetDefault("container.max_runs", 0)
	v.SetDefault("container.ttl_sec", 0)
	v.SetDefault("container.acquire_timeout_sec", 0)
	v.SetDefault("container.context", "")
	v.SetDefault("container.host", "")
	v.SetDefault("container.ssh_host", "")
	v.SetDefault("container.ssh_user", "")
	v.SetDefault("container.ssh_port", 0)
	v.SetDefault("container.ssh_key_path", "")
	v.SetDefault("container.reap_schedule", reaper.DefaultSchedule)
}

var (
	backends   = []string{sandbox.BackendLocal, sandbox.BackendDocker, sandbox.BackendPodman}
	transports = []string{"stdio", "http"}
	modes      = []string{"development", "production"}
	levels     = []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}
)

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if !slices.Contains(transports, c.Server.Transport) {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 0 and 65535, got: %d", c.Server.MetricsPort)
	}

	if !slices.Contains(modes, c.Logging.Mode) {
		return fmt.Errorf("invalid logging.mode: %s, must be 'development' or 'production'", c.Logging.Mode)
	}
	if !slices.Contains(levels, c.Logging.Level) {
		return fmt.Errorf("invalid logging.level: %s, must be one of %s", c.Logging.Level, strings.Join(levels, ", "))
	}

	if !slices.Contains(backends, c.Runner.Backend) {
		return fmt.Errorf("runner.backend must be one of %s, got: %s", strings.Join(backends, ", "), c.Runner.Backend)
	}

	if c.Runner.Backend == sandbox.BackendLocal {
		if strings.TrimSpace(c.Local.EnvDir) == "" {
			return fmt.Errorf("local.env_dir must not be empty")
		}
		if c.Local.EnvManager != sandbox.ManagerCopy && c.Local.EnvManager != sandbox.ManagerGo {
			return fmt.Errorf("local.env_manager must be either %q or %q, got: %q", sandbox.ManagerCopy, sandbox.ManagerGo, c.Local.EnvManager)
		}
		if _, err := sandbox.ValidatePinnedPackages(c.Local.Packages); err != nil {
			return fmt.Errorf("local.packages: %w", err)
		}
		return nil
	}

	for name, value := range map[string]int{
		"container.pool_size":           c.Container.PoolSize,
		"container.max_runs":            c.Container.MaxRuns,
		"container.ttl_sec":             c.Container.TTLSec,
		"container.acquire_timeout_sec": c.Container.AcquireTimeoutSec,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative, got: %d", name, value)
		}
	}
	conn := c.connection()
	if err := conn.Validate(); err != nil {
		return fmt.Errorf("container connection: %w", err)
	}
	if _, err := sandbox.ValidatePinnedPackages(c.Container.Packages); err != nil {
		return fmt.Errorf("container.packages: %w", err)
	}
	if c.Container.ReapSchedule != "" {
		if err := reaper.Validate(c.Container.ReapSchedule); err != nil {
			return fmt.Errorf("container.reap_schedule: %w", err)
		}
	}
	return nil
}

func (c *Config) connection() sandbox.Connection {
	return sandbox.Connection{
		Context:    c.Container.Context,
		Host:       c.Container.Host,
		SSHHost:    c.Container.SSHHost,
		SSHUser:    c.Container.SSHUser,
		SSHPort:    c.Container.SSHPort,
		SSHKeyPath: c.Container.SSHKeyPath,
	}
}

// EngineSettings converts the backend sections for sandbox.NewEngine.
func (c *Config) EngineSettings(metrics *sandbox.PoolMetrics) sandbox.Settings {
	return sandbox.Settings{
		Local: sandbox.LocalConfig{
			EnvDir:     c.Local.EnvDir,
			Manager:    c.Local.EnvManager,
			WorkerPath: c.Local.WorkerPath,
			Packages:   c.Local.Packages,
		},
		Container: sandbox.ContainerConfig{
			Connection: c.connection(),
			Images: sandbox.ImageConfig{
				Image:        c.Container.Image,
				DefaultImage: c.Container.DefaultImage,
				LocalImage:   c.Container.LocalImage,
				WorkerPath:   c.Container.WorkerPath,
				Namespace:    c.Container.Namespace,
				Packages:     c.Container.Packages,
			},
			PoolSize:       c.Container.PoolSize,
			MaxRuns:        c.Container.MaxRuns,
			TTL:            seconds(c.Container.TTLSec),
			AcquireTimeout: seconds(c.Container.AcquireTimeoutSec),
		},
		Metrics: metrics,
	}
}

// DefaultPolicy loads runner.policy_file, or returns the built-in policy
// when none is configured.
func (c *Config) DefaultPolicy() (policy.Policy, error) {
	if c.Runner.PolicyFile == "" {
		return policy.Default(), nil
	}
	return policy.LoadFile(c.Runner.PolicyFile)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
