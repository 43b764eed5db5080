// Package worker interprets one sandboxed request inside the isolation
// boundary.
//
// The worker reads a protocol.Request, compiles the code, applies the
// policy's memory ceiling and runs the chunk in a fresh Lua interpreter
// whose global table holds only what the policy permits. Imports pass
// through a single require hook; print and the io streams are captured
// into bounded buffers. Exactly one protocol.Response is written back.
//
// Usage:
//
//	w := worker.New(worker.WithProcessLimits(true), worker.WithLuaPath(worker.LuaPathFromEnv()))
//	out, _ := worker.ReserveStdout()
//	os.Exit(w.Serve(ctx, os.Stdin, out))
package worker
