package main

import (
	"context"
	"fmt"
	"os"

	"github.com/isdmx/saferun/protocol"
	"github.com/isdmx/saferun/worker"
)

func main() {
	out, err := worker.ReserveStdout()
	if err != nil {
		fmt.Fprintf(os.Stderr, "saferun-worker: %v\n", err)
		os.Exit(protocol.ExitUnavailable)
	}

	w := worker.New(
		worker.WithProcessLimits(true),
		worker.WithLuaPath(worker.LuaPathFromEnv()),
		worker.WithWarnings(os.Stderr),
	)
	code := w.Serve(context.Background(), os.Stdin, out)
	_ = out.Sync()
	os.Exit(code)
}
