package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionValidate(t *testing.T) {
	tests := []struct {
		name    string
		conn    Connection
		wantErr string
	}{
		{name: "Default", conn: Connection{}},
		{name: "Context", conn: Connection{Context: "remote"}},
		{name: "Host", conn: Connection{Host: "tcp://10.0.0.5:2375"}},
		{name: "SSH", conn: Connection{SSHHost: "builder", SSHUser: "ci", SSHPort: 2222, SSHKeyPath: "/keys/id"}},
		{name: "ContextAndHost", conn: Connection{Context: "remote", Host: "tcp://h:2375"}, wantErr: "not both"},
		{name: "ContextAndSSH", conn: Connection{Context: "remote", SSHHost: "builder"}, wantErr: "not both"},
		{name: "HostAndSSH", conn: Connection{Host: "tcp://h:2375", SSHHost: "builder"}, wantErr: "either host or ssh_host"},
		{name: "UserWithoutHost", conn: Connection{SSHUser: "ci"}, wantErr: "ssh_user requires ssh_host"},
		{name: "PortWithoutHost", conn: Connection{SSHPort: 22}, wantErr: "ssh_port requires ssh_host"},
		{name: "KeyWithoutHost", conn: Connection{SSHKeyPath: "/k"}, wantErr: "ssh_key_path requires ssh_host"},
		{name: "PortOutOfRange", conn: Connection{SSHHost: "builder", SSHPort: 70000}, wantErr: "between 1 and 65535"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conn.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConnection)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConnectionEnviron(t *testing.T) {
	base := []string{"PATH=/bin"}

	t.Run("Local", func(t *testing.T) {
		c := Connection{}
		assert.Equal(t, base, c.environ(DockerFlavour, base))
		assert.False(t, c.Remote())
	})

	t.Run("DockerHost", func(t *testing.T) {
		c := Connection{Host: "tcp://10.0.0.5:2375"}
		assert.Equal(t, []string{"PATH=/bin", "DOCKER_HOST=tcp://10.0.0.5:2375"}, c.environ(DockerFlavour, base))
		assert.True(t, c.Remote())
	})

	t.Run("DockerSSH", func(t *testing.T) {
		c := Connection{SSHHost: "builder", SSHUser: "ci", SSHPort: 2222, SSHKeyPath: "/keys/id"}
		assert.Equal(t, []string{
			"PATH=/bin",
			"DOCKER_HOST=ssh://ci@builder",
			"DOCKER_SSH_COMMAND=ssh -p 2222 -i /keys/id",
		}, c.environ(DockerFlavour, base))
	})

	t.Run("PodmanSSH", func(t *testing.T) {
		c := Connection{SSHHost: "builder", SSHUser: "ci", SSHPort: 2222, SSHKeyPath: "/keys/id"}
		assert.Equal(t, []string{
			"PATH=/bin",
			"CONTAINER_HOST=ssh://ci@builder:2222",
			"CONTAINER_SSHKEY=/keys/id",
		}, c.environ(PodmanFlavour, base))
	})

	t.Run("DoesNotMutateBase", func(t *testing.T) {
		c := Connection{Host: "tcp://h:2375"}
		in := make([]string, 1, 4)
		in[0] = "PATH=/bin"
		_ = c.environ(DockerFlavour, in)
		assert.Equal(t, "PATH=/bin", in[0])
		assert.Len(t, in, 1)
	})
}

func TestCLI(t *testing.T) {
	ctx := context.Background()

	t.Run("ContextFlag", func(t *testing.T) {
		runner := newMockRunner()
		cli, err := NewCLI(PodmanFlavour, Connection{Context: "builder"}, WithCLICommandRunner(runner))
		require.NoError(t, err)

		_, _, _, err = cli.RunWithInput(ctx, []byte("x"), "ps", "-a")
		require.NoError(t, err)
		require.Len(t, runner.calls, 1)
		assert.Equal(t, []string{"podman", "--connection", "builder", "ps", "-a"}, runner.calls[0].Args)
		assert.Equal(t, []byte("x"), runner.calls[0].Stdin)
	})

	t.Run("InvalidConnection", func(t *testing.T) {
		_, err := NewCLI(DockerFlavour, Connection{SSHUser: "ci"})
		require.ErrorIs(t, err, ErrInvalidConnection)
	})

	t.Run("FlavourFor", func(t *testing.T) {
		f, err := FlavourFor(BackendPodman)
		require.NoError(t, err)
		assert.Equal(t, "podman", f.Binary)
		_, err = FlavourFor(BackendLocal)
		require.ErrorIs(t, err, ErrUnsupportedBackend)
	})
}

func TestCLICheck(t *testing.T) {
	ctx := context.Background()

	t.Run("Available", func(t *testing.T) {
		cli := newTestCLI(t, newMockRunner())
		require.NoError(t, cli.Check(ctx))
	})

	t.Run("NotInstalled", func(t *testing.T) {
		cli, err := NewCLI(DockerFlavour, Connection{},
			WithCLICommandRunner(newMockRunner()),
			WithCLILookPath(func(string) (string, error) { return "", errors.New("not found") }))
		require.NoError(t, err)
		assert.EqualError(t, cli.Check(ctx), "docker CLI was not found. Install docker and ensure it is on PATH")
	})

	t.Run("DaemonDown", func(t *testing.T) {
		runner := newMockRunner().on("docker info", mockResult{stderr: "Cannot connect to the Docker daemon\n", exitCode: 1})
		cli := newTestCLI(t, runner)
		err := cli.Check(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "docker is installed but the daemon is not running or not accessible")
		assert.Contains(t, err.Error(), "Cannot connect to the Docker daemon")
	})
}
