package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrInvalidConnection is wrapped by every connection validation failure.
var ErrInvalidConnection = errors.New("invalid connection options")

// Flavour captures how a container CLI is addressed.
type Flavour struct {
	Name        string
	Binary      string
	ContextFlag string
	HostEnv     string
}

var (
	// DockerFlavour drives the docker CLI.
	DockerFlavour = Flavour{Name: BackendDocker, Binary: "docker", ContextFlag: "--context", HostEnv: "DOCKER_HOST"}
	// PodmanFlavour drives the podman CLI.
	PodmanFlavour = Flavour{Name: BackendPodman, Binary: "podman", ContextFlag: "--connection", HostEnv: "CONTAINER_HOST"}
)

// FlavourFor returns the CLI flavour for a container backend.
func FlavourFor(backend string) (Flavour, error) {
	switch backend {
	case BackendDocker:
		return DockerFlavour, nil
	case BackendPodman:
		return PodmanFlavour, nil
	default:
		return Flavour{}, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}
}

// Connection selects the container daemon. Context, Host and the SSH
// settings are alternative strategies.
type Connection struct {
	Context    string
	Host       string
	SSHHost    string
	SSHUser    string
	SSHPort    int
	SSHKeyPath string
}

// Validate rejects contradictory combinations.
func (c *Connection) Validate() error {
	if c.Context != "" && (c.Host != "" || c.SSHHost != "") {
		return fmt.Errorf("%w: use either context or host/ssh settings, not both", ErrInvalidConnection)
	}
	if c.Host != "" && c.SSHHost != "" {
		return fmt.Errorf("%w: use either host or ssh_host, not both", ErrInvalidConnection)
	}
	if c.SSHHost == "" {
		switch {
		case c.SSHUser != "":
			return fmt.Errorf("%w: ssh_user requires ssh_host", ErrInvalidConnection)
		case c.SSHPort != 0:
			return fmt.Errorf("%w: ssh_port requires ssh_host", ErrInvalidConnection)
		case c.SSHKeyPath != "":
			return fmt.Errorf("%w: ssh_key_path requires ssh_host", ErrInvalidConnection)
		}
	}
	if c.SSHPort < 0 || c.SSHPort > 65535 {
		return fmt.Errorf("%w: ssh_port must be between 1 and 65535, got: %d", ErrInvalidConnection, c.SSHPort)
	}
	return nil
}

// Remote reports whether the daemon is not the local default.
func (c *Connection) Remote() bool {
	return c.Context != "" || c.Host != "" || c.SSHHost != ""
}

// environ returns base extended with the variables that target the daemon.
func (c *Connection) environ(f Flavour, base []string) []string {
	env := append([]string(nil), base...)
	host := c.Host
	if c.SSHHost != "" {
		user := ""
		if c.SSHUser != "" {
			user = c.SSHUser + "@"
		}
		host = "ssh://" + user + c.SSHHost
		if f.Name == BackendPodman && c.SSHPort != 0 {
			host += ":" + strconv.Itoa(c.SSHPort)
		}
	}
	if host != "" {
		env = append(env, f.HostEnv+"="+host)
	}
	if c.SSHHost == "" {
		return env
	}

	if f.Name == BackendPodman {
		if c.SSHKeyPath != "" {
			env = append(env, "CONTAINER_SSHKEY="+c.SSHKeyPath)
		}
		return env
	}
	parts := []string{"ssh"}
	if c.SSHPort != 0 {
		parts = append(parts, "-p", strconv.Itoa(c.SSHPort))
	}
	if c.SSHKeyPath != "" {
		parts = append(parts, "-i", c.SSHKeyPath)
	}
	return append(env, "DOCKER_SSH_COMMAND="+strings.Join(parts, " "))
}

// CLI runs container CLI commands against one daemon.
type CLI struct {
	flavour  Flavour
	conn     Connection
	runner   CommandRunner
	env      []string
	lookPath func(string) (string, error)
}

// CLIOption defines a functional option for CLI
type CLIOption func(*CLI)

// WithCLICommandRunner sets the CommandRunner for CLI
func WithCLICommandRunner(runner CommandRunner) CLIOption {
	return func(c *CLI) {
		c.runner = runner
	}
}

// WithCLILookPath replaces the PATH lookup used by the availability check.
func WithCLILookPath(lookPath func(string) (string, error)) CLIOption {
	return func(c *CLI) {
		c.lookPath = lookPath
	}
}

// NewCLI validates conn and returns a CLI bound to it.
func NewCLI(flavour Flavour, conn Connection, opts ...CLIOption) (*CLI, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	c := &CLI{
		flavour:  flavour,
		conn:     conn,
		runner:   RealCommandRunner{},
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.env = conn.environ(flavour, os.Environ())
	return c, nil
}

// Flavour returns the CLI flavour.
func (c *CLI) Flavour() Flavour {
	return c.flavour
}

// Run executes a CLI subcommand.
func (c *CLI) Run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	return c.RunWithInput(ctx, nil, args...)
}

// RunWithInput executes a CLI subcommand with stdin attached.
func (c *CLI) RunWithInput(ctx context.Context, stdin []byte, args ...string) (stdout, stderr string, exitCode int, err error) {
	return c.runner.RunCommand(ctx, Command{Args: c.command(args...), Env: c.env, Stdin: stdin})
}

func (c *CLI) command(args ...string) []string {
	cmd := []string{c.flavour.Binary}
	if c.conn.Context != "" {
		cmd = append(cmd, c.flavour.ContextFlag, c.conn.Context)
	}
	return append(cmd, args...)
}

// Check verifies the CLI is installed and its daemon answers. The error
// text is meant for humans.
func (c *CLI) Check(ctx context.Context) error {
	if _, err := c.lookPath(c.flavour.Binary); err != nil {
		return fmt.Errorf("%s CLI was not found. Install %s and ensure it is on PATH", c.flavour.Binary, c.flavour.Binary)
	}
	_, stderr, code, err := c.Run(ctx, "info")
	if err != nil || code != 0 {
		detail := strings.TrimSpace(stderr)
		if err != nil {
			detail = err.Error()
		}
		return fmt.Errorf("%s is installed but the daemon is not running or not accessible: %s", c.flavour.Binary, detail)
	}
	return nil
}
