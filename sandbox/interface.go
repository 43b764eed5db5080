package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/isdmx/saferun/protocol"
)

// ExecutionRequest is one worker invocation. It is consumed once by an Engine.
type ExecutionRequest struct {
	Payload        protocol.Request
	TimeoutSeconds int
}

// MemoryLimitMB returns the memory ceiling carried by the payload policy.
func (r *ExecutionRequest) MemoryLimitMB() int {
	if r.Payload.Policy.MemoryLimitMB > 0 {
		return r.Payload.Policy.MemoryLimitMB
	}
	return defaultMemoryLimitMB
}

func (r *ExecutionRequest) timeout() time.Duration {
	return time.Duration(max(1, r.TimeoutSeconds)) * time.Second
}

// ExecutionOutcome is the raw result of a worker invocation.
type ExecutionOutcome struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	TimedOut   bool
	Error      string
}

// Engine launches the worker in some isolation primitive. Execute never
// returns an error: infrastructure failures are reported as outcomes.
type Engine interface {
	Name() string
	Execute(ctx context.Context, req ExecutionRequest) ExecutionOutcome
}

// Backend names accepted by NewEngine.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
	BackendPodman = "podman"
)

// WorkerBinary is the name of the worker executable inside environments
// and images.
const WorkerBinary = "saferun-worker"

const (
	defaultMemoryLimitMB = 256
	DirPermission        = 0o755
	FilePermission       = 0o600
	ExecPermission       = 0o755
)

var (
	// ErrInvalidPackage is returned for package specs not pinned as name==version.
	ErrInvalidPackage = errors.New("invalid package spec")
	// ErrUnsupportedBackend is returned by NewEngine for unknown backends.
	ErrUnsupportedBackend = errors.New("unsupported backend")
)

func timedOutOutcome(req *ExecutionRequest) ExecutionOutcome {
	return ExecutionOutcome{
		ReturnCode: protocol.ExitTimeout,
		TimedOut:   true,
		Error:      fmt.Sprintf("Execution timed out after %ds", req.TimeoutSeconds),
	}
}

// interrupted reports how a run under runCtx, derived from parent, was cut
// short. The caller ending parent is a cancellation, not a timeout.
func interrupted(parent, runCtx context.Context, req *ExecutionRequest) (ExecutionOutcome, bool) {
	switch {
	case parent.Err() != nil:
		return ExecutionOutcome{
			ReturnCode: protocol.ExitUnavailable,
			Error:      fmt.Sprintf("Execution cancelled: %v", parent.Err()),
		}, true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return timedOutOutcome(req), true
	default:
		return ExecutionOutcome{}, false
	}
}

func unavailableOutcome(msg string) ExecutionOutcome {
	return ExecutionOutcome{ReturnCode: protocol.ExitUnavailable, Error: msg}
}

// Command describes one external process invocation.
type Command struct {
	Args  []string
	Env   []string // nil inherits the current environment
	Stdin []byte
	Dir   string
	// Isolate runs the process in its own process group, killed as a whole
	// when the context ends.
	Isolate bool
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the command. A non-zero exit is reported through
// exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (stdout, stderr string, exitCode int, err error) {
	if len(c.Args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // arguments are built by this package
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	if c.Isolate {
		isolateProcessGroup(cmd)
	}
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return stdoutBuf.String(), stderrBuf.String(), -1, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
