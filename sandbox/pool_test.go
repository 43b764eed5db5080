package sandbox

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testImage = "saferun-runtime:test"

func poolRunner() *MockCommandRunner {
	return newMockRunner().on("docker inspect -f {{.State.Running}}", mockResult{stdout: "true\n"})
}

func testSettings() PoolSettings {
	return PoolSettings{PoolSize: 1, MaxRuns: 10, TTL: time.Minute, AcquireTimeout: time.Second}
}

func newTestPool(t *testing.T, runner *MockCommandRunner, opts ...PoolOption) *Pool {
	t.Helper()
	opts = append([]PoolOption{WithPoolRetryInterval(5 * time.Millisecond)}, opts...)
	return NewPool(zaptest.NewLogger(t), newTestCLI(t, runner), opts...)
}

func testSpec() ContainerSpec {
	return ContainerSpec{Image: testImage, MemoryLimitMB: 64, Labels: map[string]string{LabelManaged: ManagedValue, LabelEngine: BackendDocker}}
}

func TestPoolSettings(t *testing.T) {
	s := DefaultPoolSettings(5)
	require.NoError(t, s.Validate())
	assert.Equal(t, 25, s.MaxRuns)
	assert.Equal(t, 600*time.Second, s.TTL)
	assert.Equal(t, 7*time.Second, s.AcquireTimeout)
	assert.LessOrEqual(t, s.PoolSize, 4)

	assert.Equal(t, 3*time.Second, DefaultPoolSettings(0).AcquireTimeout)

	bad := s
	bad.PoolSize = 0
	assert.ErrorContains(t, bad.Validate(), "pool_size must be positive")
	bad = s
	bad.TTL = 0
	assert.ErrorContains(t, bad.Validate(), "ttl must be positive")
}

func TestPoolAcquireRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesHardenedContainer", func(t *testing.T) {
		runner := poolRunner()
		pool := newTestPool(t, runner)

		lease, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(lease.ContainerName, containerNamePrefix))
		assert.Len(t, lease.ContainerName, len(containerNamePrefix)+12)
		assert.Equal(t, testImage, lease.Image)

		runs := runner.callsWith("docker run")
		require.Len(t, runs, 1)
		args := strings.Join(runs[0].Args, " ")
		for _, flag := range []string{
			"--network none", "--read-only", "--cap-drop ALL",
			"--security-opt no-new-privileges", "--pids-limit 256",
			"--memory 128m", "--memory-swap 128m", "--user 65534:65534",
			"--tmpfs /tmp:rw,noexec,nosuid,size=128m", "--rm",
		} {
			assert.Contains(t, args, flag)
		}
		assert.Contains(t, args, "--label io.saferun.engine=docker --label io.saferun.managed=true")
		assert.True(t, strings.HasSuffix(args, testImage+" sleep infinity"))
	})

	t.Run("ReusesReleasedContainer", func(t *testing.T) {
		runner := poolRunner()
		pool := newTestPool(t, runner)

		first, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		pool.Release(ctx, first, false)

		second, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		assert.Equal(t, first.ContainerName, second.ContainerName)
		assert.Equal(t, 1, second.RunCount)
		assert.Len(t, runner.callsWith("docker run"), 1)
		assert.Equal(t, 1, pool.Size(testImage))
	})

	t.Run("CreateFailure", func(t *testing.T) {
		runner := poolRunner().on("docker run", mockResult{stderr: "no such image\n", exitCode: 125})
		pool := newTestPool(t, runner)

		_, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.ErrorContains(t, err, "failed to start container: no such image")
		assert.Zero(t, pool.Size(testImage))
	})

	t.Run("ReleaseUnknownLease", func(t *testing.T) {
		pool := newTestPool(t, poolRunner())
		pool.Release(ctx, Lease{ContainerName: "saferun-unknown", Image: testImage}, true)
		assert.Zero(t, pool.Size(testImage))
	})

	t.Run("InvalidSettings", func(t *testing.T) {
		pool := newTestPool(t, poolRunner())
		settings := testSettings()
		settings.MaxRuns = 0
		_, err := pool.Acquire(ctx, testSpec(), settings)
		require.ErrorContains(t, err, "max_runs must be positive")
	})
}

func TestPoolExhaustion(t *testing.T) {
	ctx := context.Background()

	t.Run("TimesOut", func(t *testing.T) {
		pool := newTestPool(t, poolRunner())
		settings := testSettings()
		settings.AcquireTimeout = 100 * time.Millisecond

		_, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)

		start := time.Now()
		_, err = pool.Acquire(ctx, testSpec(), settings)
		require.ErrorIs(t, err, ErrAcquireTimeout)
		assert.EqualError(t, err, "timed out acquiring container from pool after 0.1s")
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("WaiterGetsReleasedContainer", func(t *testing.T) {
		pool := newTestPool(t, poolRunner())
		settings := testSettings()
		settings.AcquireTimeout = 5 * time.Second

		held, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			pool.Release(ctx, held, false)
		}()

		lease, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)
		assert.Equal(t, held.ContainerName, lease.ContainerName)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		pool := newTestPool(t, poolRunner())
		settings := testSettings()
		settings.AcquireTimeout = 5 * time.Second
		_, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = pool.Acquire(cctx, testSpec(), settings)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("KeyedByImage", func(t *testing.T) {
		pool := newTestPool(t, poolRunner())
		settings := testSettings()
		settings.AcquireTimeout = 50 * time.Millisecond

		_, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)

		other := testSpec()
		other.Image = "saferun-env:0123456789abcdef"
		lease, err := pool.Acquire(ctx, other, settings)
		require.NoError(t, err)
		assert.Equal(t, other.Image, lease.Image)
	})
}

func TestPoolConcurrentLeases(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, poolRunner())
	settings := PoolSettings{PoolSize: 2, MaxRuns: 1000, TTL: time.Hour, AcquireTimeout: 10 * time.Second}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		leased  = map[string]bool{}
		current atomic.Int32
		peak    atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				lease, err := pool.Acquire(ctx, testSpec(), settings)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, leased[lease.ContainerName], "container leased twice")
				leased[lease.ContainerName] = true
				mu.Unlock()

				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)

				mu.Lock()
				leased[lease.ContainerName] = false
				mu.Unlock()
				pool.Release(ctx, lease, false)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, pool.Size(testImage), 2)
}

func TestPoolRotation(t *testing.T) {
	ctx := context.Background()

	t.Run("MaxRuns", func(t *testing.T) {
		runner := poolRunner()
		pool := newTestPool(t, runner)
		settings := testSettings()
		settings.MaxRuns = 1

		first, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)
		pool.Release(ctx, first, false)

		second, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)
		assert.NotEqual(t, first.ContainerName, second.ContainerName)
		assert.Len(t, runner.callsWith("docker rm -f "+first.ContainerName), 1)
	})

	t.Run("TTL", func(t *testing.T) {
		runner := poolRunner()
		clock := newFakeClock()
		pool := newTestPool(t, runner, WithPoolClock(clock.Now))
		settings := testSettings()
		settings.TTL = 10 * time.Second

		first, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)
		pool.Release(ctx, first, false)

		clock.Advance(11 * time.Second)
		second, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)
		assert.NotEqual(t, first.ContainerName, second.ContainerName)
		assert.Len(t, runner.callsWith("docker rm -f "+first.ContainerName), 1)
	})

	t.Run("LeasedContainerIsNotRotated", func(t *testing.T) {
		runner := poolRunner()
		clock := newFakeClock()
		pool := newTestPool(t, runner, WithPoolClock(clock.Now))

		lease, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		clock.Advance(time.Hour)
		assert.Zero(t, pool.Reap(ctx))
		assert.Empty(t, runner.callsWith("docker rm -f "+lease.ContainerName))
	})

	t.Run("Reap", func(t *testing.T) {
		runner := poolRunner()
		clock := newFakeClock()
		pool := newTestPool(t, runner, WithPoolClock(clock.Now))

		lease, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		pool.Release(ctx, lease, false)

		assert.Zero(t, pool.Reap(ctx))
		clock.Advance(2 * time.Minute)
		assert.Equal(t, 1, pool.Reap(ctx))
		assert.Zero(t, pool.Size(testImage))
	})
}

func TestPoolDiscard(t *testing.T) {
	ctx := context.Background()

	t.Run("MarkBad", func(t *testing.T) {
		runner := poolRunner()
		pool := newTestPool(t, runner)

		lease, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		pool.Release(ctx, lease, true)

		assert.Zero(t, pool.Size(testImage))
		assert.Len(t, runner.callsWith("docker rm -f "+lease.ContainerName), 1)
	})

	t.Run("FailedProbe", func(t *testing.T) {
		runner := poolRunner()
		pool := newTestPool(t, runner)

		first, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		pool.Release(ctx, first, false)

		runner.on("docker inspect -f {{.State.Running}}", mockResult{stdout: "false\n"})
		second, err := pool.Acquire(ctx, testSpec(), testSettings())
		require.NoError(t, err)
		assert.NotEqual(t, first.ContainerName, second.ContainerName)
		assert.Len(t, runner.callsWith("docker rm -f "+first.ContainerName), 1)
		assert.Equal(t, 1, pool.Size(testImage))
	})

	t.Run("Close", func(t *testing.T) {
		runner := poolRunner()
		pool := newTestPool(t, runner)
		settings := testSettings()
		settings.PoolSize = 2

		idle, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)
		busy, err := pool.Acquire(ctx, testSpec(), settings)
		require.NoError(t, err)
		pool.Release(ctx, idle, false)

		pool.Close(ctx)
		assert.Len(t, runner.callsWith("docker rm -f "+idle.ContainerName), 1)
		assert.Empty(t, runner.callsWith("docker rm -f "+busy.ContainerName))

		_, err = pool.Acquire(ctx, testSpec(), settings)
		require.ErrorIs(t, err, ErrPoolClosed)

		pool.Release(ctx, busy, false)
		assert.Len(t, runner.callsWith("docker rm -f "+busy.ContainerName), 1)
		assert.Zero(t, pool.Size(testImage))
	})
}

func TestPoolMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewPoolMetrics(reg)
	require.NotNil(t, metrics)
	assert.Nil(t, NewPoolMetrics(nil))

	pool := newTestPool(t, poolRunner(), WithPoolMetrics(metrics))
	settings := testSettings()
	settings.AcquireTimeout = 20 * time.Millisecond

	lease, err := pool.Acquire(ctx, testSpec(), settings)
	require.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Leased), 0)

	_, err = pool.Acquire(ctx, testSpec(), settings)
	require.ErrorIs(t, err, ErrAcquireTimeout)

	pool.Release(ctx, lease, true)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Acquisitions.WithLabelValues(acquireCreated)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Acquisitions.WithLabelValues(acquireTimeout)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Removals.WithLabelValues(removeMarkedBad)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.Leased), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.AcquireDuration))
}
