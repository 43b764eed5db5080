package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/saferun/protocol"
)

// Environment creation strategies for LocalEngine.
const (
	ManagerCopy = "copy"
	ManagerGo   = "go"
)

const (
	packagesMarker       = ".saferun_packages.txt"
	defaultWorkerPackage = "./cmd/worker"
	localPath            = "/usr/local/bin:/usr/bin:/bin"
)

// LocalConfig configures a LocalEngine.
type LocalConfig struct {
	// EnvDir holds the worker binary and the LuaRocks tree.
	EnvDir string
	// Manager is ManagerCopy or ManagerGo.
	Manager string
	// WorkerPath is the binary to copy (copy) or the package to build (go).
	WorkerPath string
	// Packages are pinned LuaRocks packages installed into EnvDir/rocks.
	Packages []string
}

// LocalEngine runs the worker as a subprocess on this host. It provides
// process isolation only and is meant for development.
type LocalEngine struct {
	logger    *zap.Logger
	cfg       LocalConfig
	packages  []string
	cmdRunner CommandRunner
	fs        FileSystem

	mu       sync.Mutex
	prepared bool
}

// LocalEngineOption defines a functional option for LocalEngine
type LocalEngineOption func(*LocalEngine)

// WithLocalCommandRunner sets the CommandRunner for LocalEngine
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalEngineOption {
	return func(l *LocalEngine) {
		l.cmdRunner = cmdRunner
	}
}

// WithLocalFileSystem sets the FileSystem for LocalEngine
func WithLocalFileSystem(fs FileSystem) LocalEngineOption {
	return func(l *LocalEngine) {
		l.fs = fs
	}
}

// NewLocalEngine validates cfg. The environment is provisioned on first use.
func NewLocalEngine(logger *zap.Logger, cfg LocalConfig, opts ...LocalEngineOption) (*LocalEngine, error) {
	cfg.EnvDir = strings.TrimSpace(cfg.EnvDir)
	if cfg.EnvDir == "" {
		return nil, fmt.Errorf("local engine requires a non-empty env_dir")
	}
	if cfg.Manager == "" {
		cfg.Manager = ManagerCopy
	}
	switch cfg.Manager {
	case ManagerCopy:
		if cfg.WorkerPath == "" {
			return nil, fmt.Errorf("env_manager %q requires worker_path", ManagerCopy)
		}
	case ManagerGo:
		if cfg.WorkerPath == "" {
			cfg.WorkerPath = defaultWorkerPackage
		}
	default:
		return nil, fmt.Errorf("env_manager must be either %q or %q, got: %q", ManagerCopy, ManagerGo, cfg.Manager)
	}
	packages, err := ValidatePinnedPackages(cfg.Packages)
	if err != nil {
		return nil, err
	}

	engine := &LocalEngine{
		logger:    logger.Named("local"),
		cfg:       cfg,
		packages:  packages,
		cmdRunner: RealCommandRunner{},
		fs:        RealFileSystem{},
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Name returns BackendLocal.
func (*LocalEngine) Name() string {
	return BackendLocal
}

func (l *LocalEngine) workerPath() string {
	return filepath.Join(l.cfg.EnvDir, "bin", WorkerBinary)
}

func (l *LocalEngine) rocksTree() string {
	return filepath.Join(l.cfg.EnvDir, "rocks")
}

// Prepare provisions the environment: the worker binary when missing and
// the pinned packages when they differ from the recorded set. A failed
// attempt is retried on the next call.
func (l *LocalEngine) Prepare(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.prepared {
		return nil
	}

	if err := l.fs.MkdirAll(filepath.Join(l.cfg.EnvDir, "bin"), DirPermission); err != nil {
		return fmt.Errorf("failed to create environment directory: %w", err)
	}
	exists, err := l.fs.FileExists(l.workerPath())
	if err != nil {
		return fmt.Errorf("failed to inspect environment: %w", err)
	}
	if !exists {
		if err := l.installWorker(ctx); err != nil {
			return err
		}
	}
	if err := l.installPackages(ctx); err != nil {
		return err
	}

	l.prepared = true
	return nil
}

func (l *LocalEngine) installWorker(ctx context.Context) error {
	l.logger.Info("installing worker", zap.String("manager", l.cfg.Manager), zap.String("env_dir", l.cfg.EnvDir))
	switch l.cfg.Manager {
	case ManagerGo:
		_, stderr, code, err := l.cmdRunner.RunCommand(ctx, Command{
			Args: []string{"go", "build", "-o", l.workerPath(), l.cfg.WorkerPath},
		})
		if err != nil || code != 0 {
			return fmt.Errorf("failed to build worker with go: %s", failureDetail(stderr, err))
		}
	default:
		data, err := l.fs.ReadFile(l.cfg.WorkerPath)
		if err != nil {
			return fmt.Errorf("failed to read worker binary: %w", err)
		}
		if err := l.fs.WriteFile(l.workerPath(), data, ExecPermission); err != nil {
			return fmt.Errorf("failed to install worker binary: %w", err)
		}
	}
	return nil
}

func (l *LocalEngine) installPackages(ctx context.Context) error {
	if len(l.packages) == 0 {
		return nil
	}
	marker := filepath.Join(l.cfg.EnvDir, packagesMarker)
	desired := strings.Join(l.packages, "\n") + "\n"
	if current, err := l.fs.ReadFile(marker); err == nil && string(current) == desired {
		return nil
	}

	for _, pkg := range l.packages {
		name, version := splitPackage(pkg)
		_, stderr, code, err := l.cmdRunner.RunCommand(ctx, Command{
			Args: []string{"luarocks", "--lua-version", LuaVersion, "--tree", l.rocksTree(), "install", name, version},
		})
		if err != nil || code != 0 {
			return fmt.Errorf("failed to install local package %s: %s", pkg, failureDetail(stderr, err))
		}
	}
	if err := l.fs.WriteFile(marker, []byte(desired), FilePermission); err != nil {
		return fmt.Errorf("failed to record installed packages: %w", err)
	}
	return nil
}

// Execute runs the worker with the payload on stdin, in a fresh working
// directory and a minimal environment. The process group is killed when
// the timeout expires.
func (l *LocalEngine) Execute(ctx context.Context, req ExecutionRequest) ExecutionOutcome {
	if err := l.Prepare(ctx); err != nil {
		return unavailableOutcome(err.Error())
	}

	payload, err := req.Payload.Encode()
	if err != nil {
		return ExecutionOutcome{ReturnCode: protocol.ExitFailure, Error: err.Error()}
	}

	runDir, err := l.fs.MkdirTemp("", "saferun-run-*")
	if err != nil {
		return unavailableOutcome(fmt.Sprintf("failed to create run directory: %v", err))
	}
	defer func() {
		if rmErr := l.fs.RemoveAll(runDir); rmErr != nil {
			l.logger.Error("failed to remove run directory", zap.String("path", runDir), zap.Error(rmErr))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	stdout, stderr, code, err := l.cmdRunner.RunCommand(runCtx, Command{
		Args:    []string{l.workerPath()},
		Env:     l.environ(runDir),
		Stdin:   payload,
		Dir:     runDir,
		Isolate: true,
	})
	if outcome, ok := interrupted(ctx, runCtx, &req); ok {
		return outcome
	}
	if err != nil {
		return ExecutionOutcome{
			Stderr:     stderr,
			ReturnCode: protocol.ExitUnavailable,
			Error:      fmt.Sprintf("failed to start worker: %v", err),
		}
	}
	return ExecutionOutcome{Stdout: stdout, Stderr: stderr, ReturnCode: code}
}

func (l *LocalEngine) environ(runDir string) []string {
	return []string{
		"PATH=" + localPath,
		"HOME=" + runDir,
		"TMPDIR=" + runDir,
		"LANG=C.UTF-8",
		protocol.LuaPathEnv + "=" + luaPathFor(l.rocksTree()),
	}
}

func failureDetail(stderr string, err error) string {
	if err != nil {
		return err.Error()
	}
	return strings.TrimSpace(stderr)
}
