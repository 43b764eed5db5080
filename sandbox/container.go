package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/isdmx/saferun/protocol"
)

// clears the whole tmpfs, hidden entries included, then recreates the scratch root
const prepareScript = "rm -rf /tmp/* /tmp/.[!.]* /tmp/..?* 2>/dev/null; mkdir -p " + containerScratchDir

// ContainerConfig configures a ContainerEngine. Zero pool values fall back
// to DefaultPoolSettings.
type ContainerConfig struct {
	Flavour        Flavour
	Connection     Connection
	Images         ImageConfig
	PoolSize       int
	MaxRuns        int
	TTL            time.Duration
	AcquireTimeout time.Duration
}

// ContainerEngine runs the worker inside pooled, hardened containers driven
// through the docker or podman CLI.
type ContainerEngine struct {
	logger *zap.Logger
	cfg    ContainerConfig
	cli    *CLI
	images *imageResolver
	pool   *Pool
	labels map[string]string

	floorWarning sync.Once
}

type containerOptions struct {
	cmdRunner   CommandRunner
	fs          FileSystem
	lookPath    func(string) (string, error)
	poolOptions []PoolOption
}

// ContainerEngineOption defines a functional option for ContainerEngine
type ContainerEngineOption func(*containerOptions)

// WithContainerCommandRunner sets the CommandRunner for ContainerEngine
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerEngineOption {
	return func(o *containerOptions) {
		o.cmdRunner = cmdRunner
	}
}

// WithContainerFileSystem sets the FileSystem used to stage build contexts
func WithContainerFileSystem(fs FileSystem) ContainerEngineOption {
	return func(o *containerOptions) {
		o.fs = fs
	}
}

// WithContainerLookPath replaces the PATH lookup of the availability check.
func WithContainerLookPath(lookPath func(string) (string, error)) ContainerEngineOption {
	return func(o *containerOptions) {
		o.lookPath = lookPath
	}
}

// WithContainerPoolOptions passes options to the engine's pool.
func WithContainerPoolOptions(opts ...PoolOption) ContainerEngineOption {
	return func(o *containerOptions) {
		o.poolOptions = append(o.poolOptions, opts...)
	}
}

// NewContainerEngine validates the connection and package settings and
// returns an engine with an empty pool.
func NewContainerEngine(logger *zap.Logger, cfg ContainerConfig, opts ...ContainerEngineOption) (*ContainerEngine, error) {
	o := containerOptions{cmdRunner: RealCommandRunner{}, fs: RealFileSystem{}}
	for _, opt := range opts {
		opt(&o)
	}

	cliOpts := []CLIOption{WithCLICommandRunner(o.cmdRunner)}
	if o.lookPath != nil {
		cliOpts = append(cliOpts, WithCLILookPath(o.lookPath))
	}
	cli, err := NewCLI(cfg.Flavour, cfg.Connection, cliOpts...)
	if err != nil {
		return nil, err
	}

	logger = logger.Named(cfg.Flavour.Name)
	images, err := newImageResolver(logger, cli, o.fs, cfg.Images)
	if err != nil {
		return nil, err
	}

	labels := ManagedLabels(cfg.Flavour)
	labels[LabelEnvHash] = images.envHash

	return &ContainerEngine{
		logger: logger,
		cfg:    cfg,
		cli:    cli,
		images: images,
		pool:   NewPool(logger, cli, o.poolOptions...),
		labels: labels,
	}, nil
}

// Name returns the CLI flavour name.
func (e *ContainerEngine) Name() string {
	return e.cfg.Flavour.Name
}

// Pool returns the engine's container pool.
func (e *ContainerEngine) Pool() *Pool {
	return e.pool
}

// Execute runs the request in a leased container.
func (e *ContainerEngine) Execute(ctx context.Context, req ExecutionRequest) ExecutionOutcome {
	if err := e.cli.Check(ctx); err != nil {
		return unavailableOutcome(err.Error())
	}

	image, err := e.images.Resolve(ctx)
	if err != nil {
		return unavailableOutcome(err.Error())
	}

	spec := ContainerSpec{Image: image, MemoryLimitMB: req.MemoryLimitMB(), Labels: e.labels}
	lease, err := e.pool.Acquire(ctx, spec, e.poolSettings(req.TimeoutSeconds))
	if err != nil {
		return unavailableOutcome(err.Error())
	}

	markBad := false
	defer func() {
		e.pool.Release(context.WithoutCancel(ctx), lease, markBad)
	}()

	workdir, failure := e.prepare(ctx, lease.ContainerName)
	if failure != nil {
		markBad = true
		return *failure
	}

	payload, err := req.Payload.Encode()
	if err != nil {
		return ExecutionOutcome{ReturnCode: protocol.ExitFailure, Error: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	stdout, stderr, code, err := e.cli.RunWithInput(runCtx, payload,
		"exec", "-i", "-w", workdir, lease.ContainerName, WorkerBinary)
	if outcome, ok := interrupted(ctx, runCtx, &req); ok {
		e.logger.Warn("run interrupted, discarding container",
			zap.String("container", lease.ContainerName),
			zap.Bool("timed_out", outcome.TimedOut),
			zap.Int("timeout_seconds", req.TimeoutSeconds))
		markBad = true
		return outcome
	}
	if err != nil {
		markBad = true
		return ExecutionOutcome{
			Stderr:     stderr,
			ReturnCode: protocol.ExitUnavailable,
			Error:      fmt.Sprintf("failed to run worker: %v", err),
		}
	}

	return ExecutionOutcome{Stdout: stdout, Stderr: stderr, ReturnCode: code}
}

// prepare wipes the container scratch space and creates a fresh run
// directory. A non-nil outcome reports a failure.
func (e *ContainerEngine) prepare(ctx context.Context, container string) (string, *ExecutionOutcome) {
	_, stderr, code, err := e.cli.Run(ctx, "exec", container, "sh", "-c", prepareScript)
	if err != nil || code != 0 {
		return "", prepFailure("Failed to prepare container workspace", stderr, code, err)
	}

	workdir := containerScratchDir + "/run_" + strings.ToLower(ulid.Make().String())
	_, stderr, code, err = e.cli.Run(ctx, "exec", container, "mkdir", "-p", workdir)
	if err != nil || code != 0 {
		return "", prepFailure("Failed to create container run workspace", stderr, code, err)
	}
	return workdir, nil
}

func prepFailure(msg, stderr string, code int, err error) *ExecutionOutcome {
	if err != nil {
		msg += ": " + err.Error()
	}
	if code == 0 {
		code = protocol.ExitUnavailable
	}
	return &ExecutionOutcome{Stderr: stderr, ReturnCode: code, Error: msg}
}

// poolSettings merges configured values over the defaults for a run
// timeout. The acquire timeout never drops below timeout+1s.
func (e *ContainerEngine) poolSettings(timeoutSeconds int) PoolSettings {
	s := DefaultPoolSettings(timeoutSeconds)
	if e.cfg.PoolSize > 0 {
		s.PoolSize = e.cfg.PoolSize
	}
	if e.cfg.MaxRuns > 0 {
		s.MaxRuns = e.cfg.MaxRuns
	}
	if e.cfg.TTL > 0 {
		s.TTL = e.cfg.TTL
	}
	if e.cfg.AcquireTimeout > 0 {
		s.AcquireTimeout = e.cfg.AcquireTimeout
	}

	floor := time.Duration(max(1, timeoutSeconds)+1) * time.Second
	if s.AcquireTimeout < floor {
		configured := s.AcquireTimeout
		e.floorWarning.Do(func() {
			e.logger.Warn("acquire timeout raised above the run timeout",
				zap.Duration("configured", configured),
				zap.Duration("effective", floor))
		})
		s.AcquireTimeout = floor
	}
	return s
}

// Reap rotates expired idle containers.
func (e *ContainerEngine) Reap(ctx context.Context) int {
	return e.pool.Reap(ctx)
}

// Close removes the pooled containers.
func (e *ContainerEngine) Close(ctx context.Context) error {
	e.pool.Close(ctx)
	return nil
}
