package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/marcohefti/hostipc/internal/health"
	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/ids"
	"github.com/marcohefti/hostipc/internal/protocol"
	"github.com/marcohefti/hostipc/internal/transport"
)

const (
	DefaultQueueThreshold = 100
	DefaultReadyTimeout   = 30 * time.Second
	healthScope           = "host"
)

type PanelOptions struct {
	QueueThreshold int
	ReadyTimeout   time.Duration
	Logger         *slog.Logger
	Health         *health.Recorder
	// OnReload runs when the webview comes back after missing more messages
	// than the queue holds. The webview state is stale and must be rebuilt.
	OnReload func()
}

// Panel is the host end of one webview connection. Until the webview
// reports that it initialized, and whenever it is hidden, outbound traffic
// is queued instead of posted.
type Panel struct {
	port transport.Port
	opts PanelOptions
	seq  *ids.Sequence

	mu         sync.Mutex
	paused     bool
	queue      []protocol.Message
	overflowed bool
	pending    map[string]chan protocol.Message
	closed     bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func NewPanel(port transport.Port, opts PanelOptions) *Panel {
	if opts.QueueThreshold <= 0 {
		opts.QueueThreshold = DefaultQueueThreshold
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Panel{
		port:    port,
		opts:    opts,
		seq:     ids.NewSequence("host"),
		paused:  true,
		pending: map[string]chan protocol.Message{},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *Panel) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Panel) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Pause queues outbound messages until the next Ready, e.g. while the
// webview is not visible.
func (p *Panel) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Ready resumes delivery. A queue that overflowed is discarded and OnReload
// runs; otherwise queued messages are posted in order. A failed post pauses
// again and keeps the rest queued.
func (p *Panel) Ready() {
	p.readyOnce.Do(func() { close(p.ready) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.overflowed {
		dropped := len(p.queue)
		p.queue = nil
		p.overflowed = false
		p.paused = false
		// A reloaded webview answers none of the requests sent before it.
		pending := p.pending
		p.pending = map[string]chan protocol.Message{}
		reload := p.opts.OnReload
		p.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		p.opts.Logger.Warn("host: webview too far behind, reloading", "dropped", dropped, "abandoned", len(pending))
		if reload != nil {
			reload()
		}
		return
	}
	for len(p.queue) > 0 {
		if err := p.port.PostMessage(p.queue[0]); err != nil {
			p.paused = true
			p.mu.Unlock()
			p.opts.Logger.Warn("host: flush interrupted", "err", err)
			return
		}
		p.queue[0] = protocol.Message{}
		p.queue = p.queue[1:]
	}
	p.queue = nil
	p.paused = false
	p.mu.Unlock()
}

// WaitReady blocks until Ready is called. If that takes longer than the
// ready timeout the panel is closed.
func (p *Panel) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(p.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return hostapi.NewError(hostapi.ErrorClosed, "panel closed before webview was ready")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.Close()
		return hostapi.NewError(hostapi.ErrorTimeout, "webview did not initialize within "+p.opts.ReadyTimeout.String())
	}
}

func (p *Panel) post(msg protocol.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return transport.ErrClosed
	}
	if !p.paused {
		p.mu.Unlock()
		return p.port.PostMessage(msg)
	}
	if msg.IsResponse() {
		// The webview may still be listening while hidden; try responses
		// directly before queueing.
		if err := p.port.PostMessage(msg); err == nil {
			p.mu.Unlock()
			return nil
		}
	}
	queued := p.enqueueLocked(msg)
	p.mu.Unlock()
	if !queued && msg.IsRequest() {
		// Nothing would ever answer a dropped request.
		return hostapi.NewError(hostapi.ErrorTransport, "outbound queue overflowed")
	}
	return nil
}

// enqueueLocked reports false when msg was dropped because the queue
// overflowed.
func (p *Panel) enqueueLocked(msg protocol.Message) bool {
	if p.overflowed {
		return false
	}
	if len(p.queue) >= p.opts.QueueThreshold {
		p.overflowed = true
		p.opts.Health.Record(healthScope, health.QueueOverflow)
		p.opts.Logger.Warn("host: outbound queue full, webview will reload on resume", "threshold", p.opts.QueueThreshold)
		return false
	}
	p.queue = append(p.queue, msg)
	return true
}

// Notify sends a notification to the webview.
func (p *Panel) Notify(method string, params any) error {
	raw, err := marshal(params)
	if err != nil {
		return hostapi.WrapError(hostapi.ErrorProtocol, "marshal params for "+method, err)
	}
	return p.post(protocol.Message{Method: method, Params: raw})
}

// Respond answers a webview request. Errors are encoded as a structured
// object when they carry a code and as a plain message otherwise.
func (p *Panel) Respond(req protocol.Message, result any, err error) error {
	resp := protocol.Message{ID: req.ID}
	if err != nil {
		resp.Error = hostapi.EncodeError(err)
	} else {
		raw, mErr := marshal(result)
		if mErr != nil {
			resp.Error = hostapi.EncodeError(hostapi.WrapError(hostapi.ErrorProtocol, "marshal result for "+req.Method, mErr))
		} else {
			resp.Params = raw
		}
	}
	return p.post(resp)
}

// Send issues a host to webview request and waits for its response.
func (p *Panel) Send(ctx context.Context, method string, params any) (hostapi.Response, error) {
	raw, err := marshal(params)
	if err != nil {
		return hostapi.Response{}, hostapi.WrapError(hostapi.ErrorProtocol, "marshal params for "+method, err)
	}
	id := p.seq.Next()
	ch := make(chan protocol.Message, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return hostapi.Response{}, hostapi.NewError(hostapi.ErrorClosed, "panel closed")
	}
	p.pending[id] = ch
	p.mu.Unlock()

	if err := p.post(protocol.Message{ID: id, Method: method, Params: raw}); err != nil {
		p.drop(id)
		if _, ok := hostapi.AsError(err); ok {
			return hostapi.Response{}, err
		}
		return hostapi.Response{}, hostapi.WrapError(hostapi.ErrorTransport, "post "+method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			if p.isClosed() {
				return hostapi.Response{}, hostapi.NewError(hostapi.ErrorClosed, "panel closed before response")
			}
			return hostapi.Response{}, hostapi.NewError(hostapi.ErrorTransport, "webview reloaded before response to "+method)
		}
		if msg.HasError() {
			return hostapi.Response{}, &hostapi.Error{
				Code:    hostapi.ErrorCodeForKind(hostapi.ErrorRemote),
				Kind:    hostapi.ErrorRemote,
				Method:  method,
				Message: protocol.ErrorMessage(msg.Error),
				Data:    msg.Error,
			}
		}
		return hostapi.Response{Params: msg.Params}, nil
	case <-ctx.Done():
		p.drop(id)
		return hostapi.Response{}, ctx.Err()
	}
}

// CompletePending hands a webview response to the host request waiting for
// it. It reports false for unknown ids.
func (p *Panel) CompletePending(msg protocol.Message) bool {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (p *Panel) drop(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Panel) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Done is closed when the panel closes.
func (p *Panel) Done() <-chan struct{} { return p.done }

// Close discards queued messages and fails outstanding host requests. The
// underlying port is closed too.
func (p *Panel) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	pending := p.pending
	p.pending = map[string]chan protocol.Message{}
	p.mu.Unlock()

	close(p.done)
	for _, ch := range pending {
		close(ch)
	}
	_ = p.port.Close()
}

func marshal(v any) (json.RawMessage, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return m, nil
	}
	return json.Marshal(v)
}
