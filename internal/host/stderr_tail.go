package host

import "sync"

const stderrTailBytes = 8 << 10

// tailBuffer keeps the last max bytes of the agent's stderr. Writes always
// succeed so the pipe keeps draining.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	if max < 0 {
		max = 0
	}
	return &tailBuffer{max: max}
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.max == 0 {
		tb.truncated = tb.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) >= tb.max {
		tb.buf = append(tb.buf[:0], p[len(p)-tb.max:]...)
		tb.truncated = true
		return len(p), nil
	}
	tb.buf = append(tb.buf, p...)
	if over := len(tb.buf) - tb.max; over > 0 {
		tb.buf = append(tb.buf[:0], tb.buf[over:]...)
		tb.truncated = true
	}
	return len(p), nil
}

func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return string(tb.buf)
}

func (tb *tailBuffer) Truncated() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.truncated
}
