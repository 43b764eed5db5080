package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/isdmx/saferun/policy"
	"github.com/isdmx/saferun/protocol"
)

// ChunkName is the source name reported in syntax errors and tracebacks.
const ChunkName = "<user_code>"

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeExited
	outcomeFaulted
	outcomeExhausted
)

// outcome is the tagged result of executing a chunk: Completed(value),
// Exited(payload), Faulted(type, message, trace) or Exhausted.
type outcome struct {
	kind        outcomeKind
	value       lua.LValue
	exitPayload lua.LValue
	faultType   string
	faultMsg    string
	trace       string
}

var typedFault = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*(?:Error|Exception)): ([\s\S]*)$`)

// allocationFailures are Go runtime panic messages raised when an
// allocation cannot be satisfied. They are only matched against recovered
// panics, never against error values raised by Lua code.
var allocationFailures = []string{
	"makeslice: len out of range",
	"makeslice: cap out of range",
	"growslice: len out of range",
	"Repeat output length overflow",
}

// Worker interprets requests. One Worker may serve many requests, each in a
// fresh interpreter.
type Worker struct {
	processLimits bool
	luaPath       string
	warn          io.Writer
}

// Option configures a Worker.
type Option func(*Worker)

// WithProcessLimits toggles the process-wide ceilings (RLIMIT_AS and the Go
// memory limit). They are meant for the dedicated worker process only.
func WithProcessLimits(enabled bool) Option {
	return func(w *Worker) {
		w.processLimits = enabled
	}
}

// WithLuaPath sets the module search templates, e.g. "/opt/rocks/share/lua/5.1/?.lua".
func WithLuaPath(path string) Option {
	return func(w *Worker) {
		w.luaPath = path
	}
}

// WithWarnings sets where soft failures, such as an unsupported memory
// ceiling, are reported.
func WithWarnings(out io.Writer) Option {
	return func(w *Worker) {
		w.warn = out
	}
}

// New creates a Worker. Process limits are off unless enabled.
func New(opts ...Option) *Worker {
	w := &Worker{warn: io.Discard}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Serve reads one request from in, runs it and writes exactly one response
// to out. It returns the process exit code.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) int {
	resp, code := w.serve(ctx, in)
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(protocol.Failure(fmt.Sprintf("failed to encode response: %v", err)))
		code = protocol.ExitFailure
	}
	if _, err := out.Write(data); err != nil {
		fmt.Fprintf(w.warn, "saferun-worker: failed to write response: %v\n", err)
	}
	return code
}

func (w *Worker) serve(ctx context.Context, in io.Reader) (protocol.Response, int) {
	data, err := io.ReadAll(in)
	if err != nil {
		return protocol.Failure(fmt.Sprintf("failed to read request: %v", err)), protocol.ExitFailure
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return protocol.Failure(err.Error()), protocol.ExitFailure
	}
	return w.Run(ctx, req)
}

// Run executes one request and returns the response with its exit code.
func (w *Worker) Run(ctx context.Context, req protocol.Request) (resp protocol.Response, code int) {
	defer func() {
		if r := recover(); r != nil {
			if isAllocationFailure(fmt.Sprint(r)) {
				resp, code = exhaustedResponse()
				return
			}
			resp, code = protocol.Failure(fmt.Sprint(r)), protocol.ExitFailure
		}
	}()

	p := req.Policy
	if p.Mode != policy.ModeAllow && p.Mode != policy.ModeRestrict {
		return protocol.Failure("mode must be 'allow' or 'restrict'"), protocol.ExitFailure
	}
	if p.MemoryLimitMB <= 0 {
		p.MemoryLimitMB = policy.DefaultMemoryLimitMB
	}
	if p.MaxOutputKB <= 0 {
		p.MaxOutputKB = policy.DefaultMaxOutputKB
	}

	proto, err := compile(req.Code)
	if err != nil {
		return protocol.Failure("SyntaxError: " + err.Error()), protocol.ExitFailure
	}

	limitBytes := uint64(p.MemoryLimitMB) * 1024 * 1024
	if w.processLimits {
		if err := applyAddressSpaceLimit(p.MemoryLimitMB); err != nil {
			fmt.Fprintf(w.warn, "saferun-worker: warning: %v\n", err)
		}
		debug.SetMemoryLimit(int64(limitBytes))
	}

	s := newSession(p, w.luaPath, newHeapWatchdog(limitBytes))
	defer s.close()
	s.seed(req.InputData)

	return s.respond(s.run(ctx, proto))
}

func compile(code string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(code), ChunkName)
	if err != nil {
		return nil, errors.New(strings.TrimSpace(err.Error()))
	}
	proto, err := lua.Compile(chunk, ChunkName)
	if err != nil {
		return nil, errors.New(strings.TrimSpace(err.Error()))
	}
	return proto, nil
}

func classifyError(err error) outcome {
	apiErr, ok := err.(*lua.ApiError)
	if !ok {
		return outcome{kind: outcomeFaulted, faultType: "RuntimeError", faultMsg: err.Error()}
	}
	text := apiErr.Object.String()
	if apiErr.Type == lua.ApiErrorPanic && isAllocationFailure(text) {
		return outcome{kind: outcomeExhausted}
	}
	kind, msg := "RuntimeError", text
	if m := typedFault.FindStringSubmatch(text); m != nil {
		kind, msg = m[1], m[2]
	}
	return outcome{kind: outcomeFaulted, faultType: kind, faultMsg: msg, trace: apiErr.StackTrace}
}

func isAllocationFailure(msg string) bool {
	for _, marker := range allocationFailures {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *session) respond(out outcome) (protocol.Response, int) {
	switch out.kind {
	case outcomeExhausted:
		return exhaustedResponse()

	case outcomeFaulted:
		msg := out.faultType + ": " + out.faultMsg
		if out.trace != "" {
			s.stderr.WriteString(out.trace + "\n")
		}
		s.stderr.WriteString(msg + "\n")
		return protocol.Response{
			Stdout: s.stdout.String(),
			Stderr: s.stderr.String(),
			Error:  &msg,
		}, protocol.ExitFailure

	case outcomeExited:
		ok, code, errText := normalizeExit(out.exitPayload)
		if str, isString := out.exitPayload.(lua.LString); isString {
			s.stderr.WriteString(string(str) + "\n")
		}
		resp := protocol.Response{
			OK:     ok,
			Result: fromLua(out.value),
			Stdout: s.stdout.String(),
			Stderr: s.stderr.String(),
		}
		if errText != "" {
			resp.Error = &errText
		}
		return resp, code

	default:
		return protocol.Response{
			OK:     true,
			Result: fromLua(out.value),
			Stdout: s.stdout.String(),
			Stderr: s.stderr.String(),
		}, protocol.ExitOK
	}
}

// normalizeExit maps an exit payload to (ok, exit code, error text).
// nil, 0 and true succeed; an integer in 1..255 fails with that code;
// anything else fails with code 1.
func normalizeExit(payload lua.LValue) (bool, int, string) {
	switch v := payload.(type) {
	case *lua.LNilType:
		return true, protocol.ExitOK, ""
	case lua.LBool:
		if v {
			return true, protocol.ExitOK, ""
		}
		return false, protocol.ExitFailure, "Exit: false"
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) {
			if f == 0 {
				return true, protocol.ExitOK, ""
			}
			// Statuses outside 1..255 would be truncated by the OS, possibly to 0.
			code := protocol.ExitFailure
			if f >= 1 && f <= 255 {
				code = int(f)
			}
			return false, code, "Exit: " + strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return false, protocol.ExitFailure, "Exit: " + payload.String()
}

func exhaustedResponse() (protocol.Response, int) {
	msg := protocol.MemoryExceededMessage
	return protocol.Response{ResourceExceeded: true, Error: &msg}, protocol.ExitResourceExceeded
}

// LuaPathFromEnv returns the module search path configured for this process.
func LuaPathFromEnv() string {
	return os.Getenv(protocol.LuaPathEnv)
}
