package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestContainerEngine(t *testing.T, runner *MockCommandRunner, cfg ContainerConfig, opts ...ContainerEngineOption) *ContainerEngine {
	t.Helper()
	if cfg.Flavour.Name == "" {
		cfg.Flavour = DockerFlavour
	}
	opts = append([]ContainerEngineOption{
		WithContainerCommandRunner(runner),
		WithContainerFileSystem(newMockFS()),
		WithContainerLookPath(foundLookPath),
		WithContainerPoolOptions(WithPoolRetryInterval(5 * time.Millisecond)),
	}, opts...)
	engine, err := NewContainerEngine(zaptest.NewLogger(t), cfg, opts...)
	require.NoError(t, err)
	return engine
}

func TestListManaged(t *testing.T) {
	ctx := context.Background()
	runner := newMockRunner().
		on("docker ps -a --filter label=io.saferun.managed=true", mockResult{
			stdout: "abc123|saferun-1a2b|saferun-runtime:local|running|Up 2 minutes\n" +
				"def456|saferun-3c4d|saferun-env:0011|exited|Exited (0) 1 hour ago\n\n",
		}).
		on("docker image ls --filter label=io.saferun.managed=true", mockResult{
			stdout: "sha256:aa|saferun-env|0011|2 days ago|48MB\n",
		})
	engine := newTestContainerEngine(t, runner, ContainerConfig{})

	containers, err := engine.ListContainers(ctx, true)
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, ContainerInfo{ID: "abc123", Name: "saferun-1a2b", Image: "saferun-runtime:local", State: "running", Status: "Up 2 minutes"}, containers[0])
	assert.Equal(t, "exited", containers[1].State)

	images, err := engine.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "saferun-env:0011", images[0].Ref())
	assert.Equal(t, "48MB", images[0].Size)

	t.Run("RunningOnly", func(t *testing.T) {
		_, err := engine.ListContainers(ctx, false)
		require.NoError(t, err)
		calls := runner.callsWith("docker ps --filter")
		require.Len(t, calls, 1)
	})

	t.Run("Failure", func(t *testing.T) {
		failing := newMockRunner().on("docker ps", mockResult{stderr: "permission denied", exitCode: 1})
		_, err := newTestContainerEngine(t, failing, ContainerConfig{}).ListContainers(ctx, true)
		require.EqualError(t, err, "failed to list containers: permission denied")
	})
}

func TestManagedOperationsRefuseForeignResources(t *testing.T) {
	ctx := context.Background()
	runner := newMockRunner().
		on("docker container inspect -f {{ index .Config.Labels \"io.saferun.managed\" }} mine", mockResult{stdout: "true\n"}).
		on("docker container inspect -f {{ index .Config.Labels \"io.saferun.managed\" }} postgres", mockResult{stdout: "<no value>\n"}).
		on("docker image inspect -f {{ index .Config.Labels \"io.saferun.managed\" }} nginx:latest", mockResult{stdout: "\n"})
	engine := newTestContainerEngine(t, runner, ContainerConfig{})

	err := engine.StopContainer(ctx, "postgres", 5)
	require.ErrorIs(t, err, ErrNotManaged)
	assert.EqualError(t, err, "resource is not managed by saferun: container 'postgres' cannot be modified")
	assert.Empty(t, runner.callsWith("docker stop"))

	require.ErrorIs(t, engine.KillContainer(ctx, "postgres"), ErrNotManaged)
	assert.Empty(t, runner.callsWith("docker kill"))

	require.ErrorIs(t, engine.RemoveImage(ctx, "nginx:latest"), ErrNotManaged)
	assert.Empty(t, runner.callsWith("docker image rm"))

	require.NoError(t, engine.StopContainer(ctx, "mine", 0))
	assert.Len(t, runner.callsWith("docker stop -t 10 mine"), 1)
	require.NoError(t, engine.KillContainer(ctx, "mine"))
	assert.Len(t, runner.callsWith("docker kill mine"), 1)
}

func TestCleanupStale(t *testing.T) {
	ctx := context.Background()
	runner := newMockRunner().
		on("docker ps -a", mockResult{
			stdout: "abc123|saferun-1a2b|saferun-runtime:local|running|Up\n" +
				"def456|saferun-3c4d|saferun-runtime:local|exited|Exited\n" +
				"fed789|saferun-5e6f|saferun-runtime:local|created|Created\n",
		}).
		on("docker image ls", mockResult{
			stdout: "sha256:aa|saferun-env|0011|2 days ago|48MB\n" +
				"sha256:bb|saferun-runtime|local|3 days ago|20MB\n",
		}).
		on("docker image rm saferun-runtime:local", mockResult{stderr: "image is being used by running container", exitCode: 1})
	engine := newTestContainerEngine(t, runner, ContainerConfig{})

	summary, err := engine.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupSummary{RemovedContainers: 2, RemovedImages: 1}, summary)
	assert.Empty(t, runner.callsWith("docker rm -f abc123"))
	assert.Len(t, runner.callsWith("docker rm -f def456"), 1)
}
