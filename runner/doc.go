// Package runner is the entry point for executing untrusted Lua code.
//
// A Runner owns one sandbox.Engine. Each call to Run resolves the policy
// (an explicit object, a file, or the injected defaults), sends one request
// to the engine and maps the raw outcome to a Result. Timeouts and
// unavailable backends are results, not errors.
//
// Usage:
//
//	r := runner.New(logger, engine)
//	res, err := r.Run(ctx, "result = a + b",
//	    runner.WithInput(map[string]any{"a": 10, "b": 20}))
package runner
