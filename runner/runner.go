package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/saferun/policy"
	"github.com/isdmx/saferun/protocol"
	"github.com/isdmx/saferun/sandbox"
)

// Result is the normalized outcome of one run.
type Result struct {
	OK               bool   `json:"ok"`
	Result           any    `json:"result"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	TimedOut         bool   `json:"timed_out"`
	ResourceExceeded bool   `json:"resource_exceeded"`
	Error            string `json:"error,omitempty"`
	ExitCode         int    `json:"exit_code"`
}

// Runner resolves the policy of a run, dispatches it to an engine and
// normalizes what comes back. It is safe for concurrent use.
type Runner struct {
	logger    *zap.Logger
	engine    sandbox.Engine
	defaults  policy.Policy
	preflight func(backend string) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithDefaultPolicy sets the policy used when a run names none.
func WithDefaultPolicy(p policy.Policy) Option {
	return func(r *Runner) {
		r.defaults = p.Clone()
	}
}

// WithPreflight replaces the backend capability check run before dispatch.
// A nil check disables it.
func WithPreflight(check func(backend string) error) Option {
	return func(r *Runner) {
		r.preflight = check
	}
}

// New returns a Runner dispatching to engine.
func New(logger *zap.Logger, engine sandbox.Engine, opts ...Option) *Runner {
	r := &Runner{
		logger:    logger.Named("runner"),
		engine:    engine,
		defaults:  policy.Default(),
		preflight: sandbox.Preflight,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runOptions struct {
	input      map[string]any
	policy     *policy.Policy
	policyFile string
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithInput binds the entries of input as globals of the run.
func WithInput(input map[string]any) RunOption {
	return func(o *runOptions) {
		o.input = input
	}
}

// WithPolicy sets the policy object of the run.
func WithPolicy(p policy.Policy) RunOption {
	return func(o *runOptions) {
		o.policy = &p
	}
}

// WithPolicyFile loads the policy of the run from path.
func WithPolicyFile(path string) RunOption {
	return func(o *runOptions) {
		o.policyFile = path
	}
}

// Run executes code. The error is non-nil only for configuration problems:
// conflicting policy sources or an invalid policy. Everything that happens
// once the run is dispatched is reported in the Result.
func (r *Runner) Run(ctx context.Context, code string, opts ...RunOption) (Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	p, err := policy.Resolve(o.policy, o.policyFile, r.defaults)
	if err != nil {
		return Result{}, err
	}

	backend := r.engine.Name()
	if r.preflight != nil {
		if err := r.preflight(backend); err != nil {
			return Result{OK: false, Error: err.Error(), ExitCode: protocol.ExitUnavailable}, nil
		}
	}

	timeout := max(1, p.TimeoutSeconds)
	r.logger.Debug("dispatching run",
		zap.String("backend", backend),
		zap.Int("timeout_seconds", timeout),
		zap.String("mode", string(p.Mode)))

	outcome := r.engine.Execute(ctx, sandbox.ExecutionRequest{
		Payload:        protocol.NewRequest(code, o.input, p),
		TimeoutSeconds: timeout,
	})
	result := FromOutcome(&outcome, timeout)

	switch result.ExitCode {
	case protocol.ExitUnavailable:
		r.logger.Warn("execution backend unavailable", zap.String("backend", backend), zap.String("error", result.Error))
	case protocol.ExitTimeout:
		r.logger.Info("run timed out", zap.String("backend", backend), zap.Int("timeout_seconds", timeout))
	}
	return result, nil
}

// FromOutcome maps an engine outcome to a Result.
func FromOutcome(o *sandbox.ExecutionOutcome, timeoutSeconds int) Result {
	if o.TimedOut {
		msg := o.Error
		if msg == "" {
			msg = fmt.Sprintf("Execution timed out after %ds", timeoutSeconds)
		}
		return Result{TimedOut: true, Error: msg, ExitCode: protocol.ExitTimeout}
	}

	raw := strings.TrimSpace(o.Stdout)
	if o.Error != "" && raw == "" {
		return Result{Error: o.Error, Stderr: o.Stderr, ExitCode: o.ReturnCode}
	}
	if raw == "" {
		raw = "{}"
	}

	// the Go runtime aborts without writing a response when the
	// address-space ceiling is hit outside the interpreter
	if o.ReturnCode == protocol.ExitResourceExceeded && (raw == "{}" || !json.Valid([]byte(raw))) {
		return Result{
			ResourceExceeded: true,
			Error:            protocol.MemoryExceededMessage,
			Stderr:           o.Stderr,
			ExitCode:         o.ReturnCode,
		}
	}

	var resp protocol.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Result{Error: "Runner returned invalid JSON", Stderr: o.Stderr, ExitCode: o.ReturnCode}
	}

	stderr := resp.Stderr
	if stderr == "" {
		stderr = o.Stderr
	}
	msg := resp.ErrorText()
	if msg == "" {
		msg = o.Error
	}
	return Result{
		OK:               resp.OK,
		Result:           resp.Result,
		Stdout:           resp.Stdout,
		Stderr:           stderr,
		TimedOut:         resp.TimedOut,
		ResourceExceeded: resp.ResourceExceeded,
		Error:            msg,
		ExitCode:         o.ReturnCode,
	}
}
