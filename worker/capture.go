package worker

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// boundedBuffer keeps at most the first limit bytes written to it and
// silently discards the rest, so a chatty script cannot grow the worker's
// memory. A multi-byte character crossing the limit is dropped whole.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return len(p), nil
	}
	remaining := b.limit - b.buf.Len()
	if len(p) > remaining {
		// Cut on a character boundary so the kept prefix stays within the
		// limit once encoded as JSON.
		cut := max(remaining, 0)
		for cut > 0 && !utf8.RuneStart(p[cut]) {
			cut--
		}
		b.buf.Write(p[:cut])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) WriteString(s string) {
	_, _ = b.Write([]byte(s))
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
