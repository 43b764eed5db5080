package worker

import (
	"context"
	"runtime/metrics"
	"sync/atomic"
	"time"
)

const (
	heapMetric       = "/memory/classes/heap/objects:bytes"
	watchdogInterval = 5 * time.Millisecond
)

// heapWatchdog samples live heap usage and cancels the interpreter once the
// configured ceiling is crossed. It complements RLIMIT_AS, which aborts the
// process outright and is not available everywhere.
type heapWatchdog struct {
	limit    uint64
	exceeded atomic.Bool
}

func newHeapWatchdog(limitBytes uint64) *heapWatchdog {
	return &heapWatchdog{limit: limitBytes}
}

// Exceeded reports whether the ceiling was crossed.
func (w *heapWatchdog) Exceeded() bool {
	return w.exceeded.Load()
}

// Trip marks the ceiling as crossed without sampling.
func (w *heapWatchdog) Trip() {
	w.exceeded.Store(true)
}

// Watch samples until ctx is done, calling abort once on the first breach.
func (w *heapWatchdog) Watch(ctx context.Context, abort context.CancelFunc) {
	sample := []metrics.Sample{{Name: heapMetric}}
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.Read(sample)
			if sample[0].Value.Kind() != metrics.KindUint64 {
				continue
			}
			if sample[0].Value.Uint64() > w.limit {
				w.exceeded.Store(true)
				abort()
				return
			}
		}
	}
}
