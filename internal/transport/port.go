package transport

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/marcohefti/hostipc/internal/protocol"
)

// Port is a bidirectional message channel. PostMessage is fire and forget;
// inbound messages are handed to the function registered with OnMessage in
// the order they arrived.
type Port interface {
	PostMessage(msg protocol.Message) error
	OnMessage(fn func(protocol.Message))
	Close() error
}

var ErrClosed = errors.New("transport: port closed")

// MaxMessageBytes bounds a single framed message on stream transports.
const MaxMessageBytes = 8 * 1024 * 1024

type Option func(*options)

type options struct {
	logger *slog.Logger
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type handlerSlot struct {
	mu sync.RWMutex
	fn func(protocol.Message)
}

func (h *handlerSlot) set(fn func(protocol.Message)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *handlerSlot) get() func(protocol.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fn
}
