package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/marcohefti/hostipc/internal/protocol"
)

// Stdio frames messages as newline-delimited JSON over a reader/writer pair,
// typically the stdout/stdin of a child process.
type Stdio struct {
	r    io.Reader
	w    io.Writer
	opts options

	writeMu sync.Mutex
	handler handlerSlot

	startOnce sync.Once
	closing   atomic.Bool
	closeOnce sync.Once

	errMu sync.RWMutex
	err   error
	done  chan struct{}
}

func NewStdio(r io.Reader, w io.Writer, opts ...Option) *Stdio {
	return &Stdio{r: r, w: w, opts: buildOptions(opts), done: make(chan struct{})}
}

// Start launches the read loop. Register OnMessage first; lines read before
// a handler exists are dropped.
func (s *Stdio) Start() {
	s.startOnce.Do(func() { go s.readLoop() })
}

func (s *Stdio) OnMessage(fn func(protocol.Message)) { s.handler.set(fn) }

func (s *Stdio) PostMessage(msg protocol.Message) error {
	if s.closing.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("transport: write message: %w", err)
	}
	return nil
}

// Done is closed once the read loop has stopped.
func (s *Stdio) Done() <-chan struct{} { return s.done }

// Err reports why the read loop stopped; nil after a clean Close or EOF.
func (s *Stdio) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

func (s *Stdio) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if c, ok := s.w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				firstErr = err
			}
		}
		if c, ok := s.r.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return firstErr
}

func (s *Stdio) readLoop() {
	defer close(s.done)
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := protocol.Decode([]byte(line))
		if err != nil {
			s.opts.logger.Warn("transport: dropping undecodable line", "err", err, "bytes", len(line))
			continue
		}
		if fn := s.handler.get(); fn != nil {
			fn(msg)
		}
	}
	if err := scanner.Err(); err != nil && !s.closing.Load() {
		s.errMu.Lock()
		s.err = fmt.Errorf("transport: read: %w", err)
		s.errMu.Unlock()
	}
}
