package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/isdmx/saferun/policy"
)

// Process exit codes shared by the worker and the engines.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitResourceExceeded = 2
	ExitTimeout          = 124
	ExitUnavailable      = 125
)

// LuaPathEnv names the environment variable carrying the worker's module
// search templates, separated by ';'.
const LuaPathEnv = "SAFERUN_LUA_PATH"

// MemoryExceededMessage is the error text of a resource-exceeded response.
const MemoryExceededMessage = "Memory limit exceeded"

// Request is the worker input.
type Request struct {
	Code      string        `json:"code"`
	InputData any           `json:"input_data"`
	Policy    policy.Policy `json:"policy"`
}

// Response is the worker output. It is written exactly once.
type Response struct {
	OK               bool    `json:"ok"`
	Result           any     `json:"result"`
	Stdout           string  `json:"stdout"`
	Stderr           string  `json:"stderr"`
	TimedOut         bool    `json:"timed_out"`
	ResourceExceeded bool    `json:"resource_exceeded"`
	Error            *string `json:"error"`
}

// NewRequest builds a request with a normalized copy of p, so every list
// field serializes as an array.
func NewRequest(code string, input map[string]any, p policy.Policy) Request {
	if input == nil {
		input = map[string]any{}
	}
	return Request{Code: code, InputData: input, Policy: p.Clone()}
}

// Encode serializes the request for the worker's standard input.
func (r *Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a worker request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("failed to decode worker request: %w", err)
	}
	return req, nil
}

// ErrorText returns the error message or "" when none was reported.
func (r *Response) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Failure builds a failed response carrying msg.
func Failure(msg string) Response {
	return Response{Error: &msg}
}
