package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAcquireTimeout is returned when no container became available in time.
	ErrAcquireTimeout = errors.New("timed out acquiring container from pool")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("container pool is closed")
)

const (
	defaultRetryInterval = 50 * time.Millisecond
	minContainerMemoryMB = 128
	containerPidsLimit   = 256
	containerUser        = "65534:65534"
	containerTmpfs       = "/tmp:rw,noexec,nosuid,size=128m"
	containerNamePrefix  = "saferun-"
)

// PoolSettings bounds one image's pool.
type PoolSettings struct {
	PoolSize       int
	MaxRuns        int
	TTL            time.Duration
	AcquireTimeout time.Duration
}

// DefaultPoolSettings returns the settings used when none are configured.
func DefaultPoolSettings(timeoutSeconds int) PoolSettings {
	return PoolSettings{
		PoolSize:       min(runtime.NumCPU(), 4),
		MaxRuns:        25,
		TTL:            600 * time.Second,
		AcquireTimeout: time.Duration(max(1, timeoutSeconds)+2) * time.Second,
	}
}

// Validate checks that every setting is positive.
func (s *PoolSettings) Validate() error {
	switch {
	case s.PoolSize <= 0:
		return fmt.Errorf("pool_size must be positive, got: %d", s.PoolSize)
	case s.MaxRuns <= 0:
		return fmt.Errorf("max_runs must be positive, got: %d", s.MaxRuns)
	case s.TTL <= 0:
		return fmt.Errorf("ttl must be positive, got: %s", s.TTL)
	case s.AcquireTimeout <= 0:
		return fmt.Errorf("acquire_timeout must be positive, got: %s", s.AcquireTimeout)
	}
	return nil
}

// ContainerSpec describes the containers a pool key produces.
type ContainerSpec struct {
	Image         string
	MemoryLimitMB int
	Labels        map[string]string
}

// Lease is a borrowed view of a pooled container.
type Lease struct {
	ContainerName string
	Image         string
	CreatedAt     time.Time
	LastUsedAt    time.Time
	RunCount      int
}

type entryState int

const (
	stateCreating entryState = iota
	stateIdle
	stateLeased
)

type poolEntry struct {
	lease Lease
	state entryState
}

func shouldRotate(lease *Lease, settings *PoolSettings, now time.Time) bool {
	if lease.RunCount >= settings.MaxRuns {
		return true
	}
	return now.Sub(lease.CreatedAt) >= settings.TTL
}

// Pool keeps warm containers per image. The mutex guards bookkeeping only;
// container create, probe and remove calls run outside it. A slot being
// created counts toward the pool size.
type Pool struct {
	logger        *zap.Logger
	cli           *CLI
	metrics       *PoolMetrics
	now           func() time.Time
	retryInterval time.Duration

	mu       sync.Mutex
	byImage  map[string][]*poolEntry
	settings map[string]PoolSettings
	closed   bool
}

// PoolOption defines a functional option for Pool
type PoolOption func(*Pool)

// WithPoolMetrics records pool activity.
func WithPoolMetrics(m *PoolMetrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithPoolClock replaces the time source used for rotation.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		p.now = now
	}
}

// WithPoolRetryInterval sets the pause between acquisition attempts.
func WithPoolRetryInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.retryInterval = d
	}
}

// NewPool creates an empty pool that manages containers through cli.
func NewPool(logger *zap.Logger, cli *CLI, opts ...PoolOption) *Pool {
	p := &Pool{
		logger:        logger.Named("pool"),
		cli:           cli,
		now:           time.Now,
		retryInterval: defaultRetryInterval,
		byImage:       map[string][]*poolEntry{},
		settings:      map[string]PoolSettings{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire leases a running container for spec.Image, creating one when the
// pool is below its size. It retries until settings.AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context, spec ContainerSpec, settings PoolSettings) (Lease, error) {
	if err := settings.Validate(); err != nil {
		return Lease{}, err
	}
	start := time.Now()
	deadline := start.Add(settings.AcquireTimeout)

	for {
		lease, result, err := p.tryAcquire(ctx, spec, settings)
		if err != nil {
			p.metrics.acquired(acquireFailed, time.Since(start).Seconds())
			return Lease{}, err
		}
		if result != "" {
			p.metrics.acquired(result, time.Since(start).Seconds())
			return lease, nil
		}
		if !time.Now().Before(deadline) {
			p.metrics.acquired(acquireTimeout, time.Since(start).Seconds())
			return Lease{}, fmt.Errorf("%w after %s", ErrAcquireTimeout, formatSeconds(settings.AcquireTimeout))
		}

		timer := time.NewTimer(p.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.metrics.acquired(acquireFailed, time.Since(start).Seconds())
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire makes one attempt. An empty result with a nil error means the
// pool is full.
func (p *Pool) tryAcquire(ctx context.Context, spec ContainerSpec, settings PoolSettings) (Lease, string, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Lease{}, "", ErrPoolClosed
		}
		p.settings[spec.Image] = settings
		expired := p.rotateLocked(spec.Image, &settings)
		candidate := p.reserveIdleLocked(spec.Image)
		var slot *poolEntry
		if candidate == nil && len(p.byImage[spec.Image]) < settings.PoolSize {
			slot = &poolEntry{state: stateCreating, lease: Lease{Image: spec.Image}}
			p.byImage[spec.Image] = append(p.byImage[spec.Image], slot)
		}
		p.mu.Unlock()

		p.removeContainers(ctx, expired, removeRotated)

		switch {
		case candidate != nil:
			if p.isRunning(ctx, candidate.ContainerName) {
				return *candidate, acquireReused, nil
			}
			p.logger.Warn("pooled container failed liveness probe", zap.String("container", candidate.ContainerName))
			p.forget(candidate.Image, candidate.ContainerName)
			p.removeContainers(ctx, []string{candidate.ContainerName}, removeUnhealthy)

		case slot != nil:
			lease, err := p.create(ctx, spec)
			p.mu.Lock()
			if err != nil {
				p.dropLocked(spec.Image, slot)
				p.mu.Unlock()
				return Lease{}, "", err
			}
			slot.lease = lease
			slot.state = stateLeased
			p.mu.Unlock()
			return lease, acquireCreated, nil

		default:
			return Lease{}, "", nil
		}
	}
}

// rotateLocked drops idle entries that reached their run or age limit and
// returns their container names for removal.
func (p *Pool) rotateLocked(image string, settings *PoolSettings) []string {
	now := p.now()
	var expired []string
	kept := p.byImage[image][:0]
	for _, e := range p.byImage[image] {
		if e.state == stateIdle && shouldRotate(&e.lease, settings, now) {
			expired = append(expired, e.lease.ContainerName)
			continue
		}
		kept = append(kept, e)
	}
	p.byImage[image] = kept
	return expired
}

func (p *Pool) reserveIdleLocked(image string) *Lease {
	for _, e := range p.byImage[image] {
		if e.state == stateIdle {
			e.state = stateLeased
			lease := e.lease
			return &lease
		}
	}
	return nil
}

func (p *Pool) dropLocked(image string, target *poolEntry) {
	p.byImage[image] = slices.DeleteFunc(p.byImage[image], func(e *poolEntry) bool { return e == target })
}

func (p *Pool) forget(image, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byImage[image] = slices.DeleteFunc(p.byImage[image], func(e *poolEntry) bool {
		return e.lease.ContainerName == name
	})
}

// Release returns a lease. The run count and last-use time are always
// updated; a lease marked bad, or released after Close, is removed.
func (p *Pool) Release(ctx context.Context, lease Lease, markBad bool) {
	p.mu.Lock()
	var entry *poolEntry
	for _, e := range p.byImage[lease.Image] {
		if e.lease.ContainerName == lease.ContainerName {
			entry = e
			break
		}
	}
	if entry == nil {
		p.mu.Unlock()
		return
	}
	p.metrics.released()
	entry.lease.RunCount++
	entry.lease.LastUsedAt = p.now()
	remove := markBad || p.closed
	if remove {
		p.dropLocked(lease.Image, entry)
	} else {
		entry.state = stateIdle
	}
	closed := p.closed
	p.mu.Unlock()

	switch {
	case markBad:
		p.removeContainers(ctx, []string{lease.ContainerName}, removeMarkedBad)
	case closed:
		p.removeContainers(ctx, []string{lease.ContainerName}, removeClosed)
	}
}

// Reap rotates expired idle containers of every image without waiting for
// an acquisition. It returns the number of containers removed.
func (p *Pool) Reap(ctx context.Context) int {
	p.mu.Lock()
	var expired []string
	for image, settings := range p.settings {
		expired = append(expired, p.rotateLocked(image, &settings)...)
	}
	p.mu.Unlock()

	p.removeContainers(ctx, expired, removeRotated)
	return len(expired)
}

// Close removes idle containers and refuses further acquisitions. Leased
// containers are removed when released.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var names []string
	for image, entries := range p.byImage {
		kept := entries[:0]
		for _, e := range entries {
			if e.state == stateIdle {
				names = append(names, e.lease.ContainerName)
				continue
			}
			kept = append(kept, e)
		}
		p.byImage[image] = kept
	}
	p.mu.Unlock()

	p.removeContainers(ctx, names, removeClosed)
}

// Size returns the number of tracked containers for image, in any state.
func (p *Pool) Size(image string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byImage[image])
}

func (p *Pool) create(ctx context.Context, spec ContainerSpec) (Lease, error) {
	name := containerNamePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	memory := strconv.Itoa(max(minContainerMemoryMB, spec.MemoryLimitMB)) + "m"
	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.Itoa(containerPidsLimit),
		"--memory", memory,
		"--memory-swap", memory,
		"--user", containerUser,
		"--tmpfs", containerTmpfs,
	}
	for _, key := range slices.Sorted(maps.Keys(spec.Labels)) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}
	args = append(args, spec.Image, "sleep", "infinity")

	_, stderr, code, err := p.cli.Run(ctx, args...)
	if err != nil {
		return Lease{}, fmt.Errorf("failed to start container: %w", err)
	}
	if code != 0 {
		return Lease{}, fmt.Errorf("failed to start container: %s", strings.TrimSpace(stderr))
	}

	p.logger.Debug("started pooled container", zap.String("container", name), zap.String("image", spec.Image))
	now := p.now()
	return Lease{ContainerName: name, Image: spec.Image, CreatedAt: now, LastUsedAt: now}, nil
}

func (p *Pool) isRunning(ctx context.Context, name string) bool {
	stdout, _, code, err := p.cli.Run(ctx, "inspect", "-f", "{{.State.Running}}", name)
	return err == nil && code == 0 && strings.TrimSpace(stdout) == "true"
}

func (p *Pool) removeContainers(ctx context.Context, names []string, reason string) {
	for _, name := range names {
		_, stderr, code, err := p.cli.Run(ctx, "rm", "-f", name)
		if err != nil || code != 0 {
			p.logger.Warn("failed to remove pooled container",
				zap.String("container", name),
				zap.String("stderr", strings.TrimSpace(stderr)),
				zap.Error(err))
		}
		p.metrics.removed(reason)
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
