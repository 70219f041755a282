package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marcohefti/hostipc/internal/emitter"
	"github.com/marcohefti/hostipc/internal/health"
	"github.com/marcohefti/hostipc/internal/ids"
	"github.com/marcohefti/hostipc/internal/protocol"
	"github.com/marcohefti/hostipc/internal/ratewatch"
	"github.com/marcohefti/hostipc/internal/transport"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultReaperInterval = 60 * time.Second
	defaultScope          = "webview"
)

// maintenanceMarker identifies error payloads the remote sends while it is
// in maintenance mode. Those resolve with Response.Maintenance set.
const maintenanceMarker = "maintenance mode"

// HandlerFunc answers a request the remote end sent to this client.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// StaleReporter receives one group per method for every reaper sweep that
// removed requests.
type StaleReporter func(StaleGroup)

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source used for ids and the reaper.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithGenerator(g *ids.Generator) Option {
	return func(c *Client) { c.gen = g }
}

func WithGuard(g *ratewatch.Guard) Option {
	return func(c *Client) { c.guard = g }
}

// WithHealth records client events under scope (default "webview").
func WithHealth(r *health.Recorder, scope string) Option {
	return func(c *Client) {
		c.health = r
		if s := strings.TrimSpace(scope); s != "" {
			c.scope = s
		}
	}
}

func WithStaleReporter(fn StaleReporter) Option {
	return func(c *Client) { c.reporter = fn }
}

// WithOrphanReporter is called with the id of every response that matched no
// pending request.
func WithOrphanReporter(fn func(id string)) Option {
	return func(c *Client) { c.orphans = fn }
}

// WithNotificationTap sees every inbound notification, before listeners and
// whether or not any are registered. It runs on the receiving goroutine.
func WithNotificationTap(fn func(method string, params json.RawMessage)) Option {
	return func(c *Client) { c.tap = fn }
}

func WithReaperInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reaperInterval = d
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithNormalizers(m map[string]protocol.Normalizer) Option {
	return func(c *Client) { c.normalizers = m }
}

type SendOption func(*pendingRequest)

// WithTimeout overrides the reaper timeout for one request.
func WithTimeout(d time.Duration) SendOption {
	return func(p *pendingRequest) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAlternateReject adds fn as a second rejection path for one request.
// Both paths fire: fn is called with the error first, then the Call settles
// with the same error, so Wait and Result see it too.
func WithAlternateReject(fn func(error)) SendOption {
	return func(p *pendingRequest) { p.reject = fn }
}

type pendingRequest struct {
	call       *Call
	method     string
	providerID string
	timeout    time.Duration
	issuedAt   time.Time
	reject     func(error)
}

// Client multiplexes requests over a Port. It correlates responses by id,
// reaps requests that never got one and hands everything else to listeners.
type Client struct {
	port   transport.Port
	logger *slog.Logger
	now    func() time.Time
	gen    *ids.Generator
	guard  *ratewatch.Guard
	health *health.Recorder
	scope  string

	reporter       StaleReporter
	orphans        func(id string)
	tap            func(method string, params json.RawMessage)
	reaperInterval time.Duration
	defaultTimeout time.Duration
	normalizers    map[string]protocol.Normalizer

	events *emitter.Emitter
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	handlers map[string]HandlerFunc
	closed   bool
}

// New wires a client to port and starts receiving. The port's OnMessage
// handler is taken over by the client.
func New(port transport.Port, opts ...Option) *Client {
	c := &Client{
		port:           port,
		logger:         slog.New(slog.DiscardHandler),
		now:            time.Now,
		scope:          defaultScope,
		reaperInterval: DefaultReaperInterval,
		defaultTimeout: DefaultTimeout,
		pending:        map[string]*pendingRequest{},
		handlers:       map[string]HandlerFunc{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gen == nil {
		c.gen = ids.NewGenerator("wv").WithClock(c.now)
	}
	if c.guard == nil {
		sink := &ratewatch.Suppressor{Logger: c.logger}
		c.guard = ratewatch.NewGuard(ratewatch.GuardOptions{Name: c.scope, Now: c.now, Alert: sink.Alert})
	}
	c.guard.SetAlert(c.wrapAlert(c.guard))
	c.events = emitter.New(
		emitter.WithNormalizers(c.normalizers),
		emitter.WithOnPanic(func(method string, rec any) {
			c.health.Record(c.scope, health.ListenerFailure)
			c.logger.Error("hostapi: listener failed", "method", method, "panic", fmt.Sprint(rec))
		}),
	)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	port.OnMessage(c.HandleMessage)
	return c
}

func (c *Client) wrapAlert(g *ratewatch.Guard) ratewatch.AlertFunc {
	inner := g.Alert()
	return func(identifier string, rounded, count int) {
		c.health.Record(c.scope, health.RateAlert)
		if inner != nil {
			inner(identifier, rounded, count)
		}
	}
}

func (c *Client) Events() *emitter.Emitter { return c.events }

// On registers a listener for notifications with the given method.
func (c *Client) On(method string, fn emitter.Listener) emitter.Disposable {
	return c.events.On(method, fn)
}

// Handle answers inbound requests for method. Without a handler such
// requests are delivered to listeners like notifications.
func (c *Client) Handle(method string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = fn
}

// Send issues a request and returns immediately. The returned Call settles
// on the matching response, a transport failure, the reaper or Close.
func (c *Client) Send(method string, params any, opts ...SendOption) *Call {
	id := c.gen.Next()
	p := &pendingRequest{
		call:     newCall(id, method),
		method:   method,
		issuedAt: c.now(),
	}
	for _, opt := range opts {
		opt(p)
	}

	raw, err := marshalParams(params)
	if err != nil {
		c.reject(p, WrapError(ErrorProtocol, "marshal params for "+method, err))
		return p.call
	}
	p.providerID = protocol.ProviderID(raw)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.reject(p, NewError(ErrorClosed, "client closed"))
		return p.call
	}
	c.pending[id] = p
	c.mu.Unlock()

	c.guard.Observe(ratewatch.Identifier(method, p.providerID))
	c.health.Record(c.scope, health.RequestSent)

	msg := protocol.Message{ID: id, Method: method, Params: raw}
	c.debugMessage("hostapi: send", msg)
	if err := c.port.PostMessage(msg); err != nil {
		if p := c.take(id); p != nil {
			c.reject(p, WrapError(ErrorTransport, "post "+method, err))
		}
	}
	return p.call
}

// Request sends and waits. Cancelling ctx abandons the wait only.
func (c *Client) Request(ctx context.Context, method string, params any, opts ...SendOption) (Response, error) {
	return c.Send(method, params, opts...).Wait(ctx)
}

// Notify posts a message that expects no response.
func (c *Client) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return WrapError(ErrorProtocol, "marshal params for "+method, err)
	}
	msg := protocol.Message{Method: method, Params: raw}
	c.debugMessage("hostapi: notify", msg)
	if err := c.port.PostMessage(msg); err != nil {
		return WrapError(ErrorTransport, "post "+method, err)
	}
	return nil
}

// Pending reports the number of outstanding requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HandleMessage is the inbound entry point. It never panics on unknown or
// malformed traffic.
func (c *Client) HandleMessage(msg protocol.Message) {
	c.debugMessage("hostapi: received", msg)
	if msg.ID != "" {
		if p := c.take(msg.ID); p != nil {
			c.complete(p, msg)
			return
		}
		if msg.Method == "" {
			c.health.Record(c.scope, health.ResponseOrphan)
			c.logger.Debug("hostapi: no pending request for response", "id", msg.ID)
			if c.orphans != nil {
				c.orphans(msg.ID)
			}
			return
		}
		c.mu.Lock()
		h := c.handlers[msg.Method]
		c.mu.Unlock()
		if h != nil {
			go c.serve(h, msg)
			return
		}
	}
	if msg.Method == "" {
		return
	}
	c.health.Record(c.scope, health.Notification)
	if c.tap != nil {
		c.tap(msg.Method, msg.Params)
	}
	c.events.Emit(msg.Method, msg.Params)
}

func (c *Client) debugMessage(text string, msg protocol.Message) {
	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug(text, "msg", protocol.Loggable(msg))
	}
}

func (c *Client) complete(p *pendingRequest, msg protocol.Message) {
	if !msg.HasError() {
		p.call.settle(Response{Params: msg.Params}, nil)
		return
	}
	if strings.Contains(string(msg.Error), maintenanceMarker) {
		c.health.Record(c.scope, health.Maintenance)
		c.logger.Warn("hostapi: remote is in maintenance mode", "method", p.method, "id", p.call.ID)
		p.call.settle(Response{Params: msg.Params, Maintenance: true, Error: msg.Error}, nil)
		return
	}
	c.reject(p, &Error{
		Code:    ErrorCodeForKind(ErrorRemote),
		Kind:    ErrorRemote,
		Method:  p.method,
		Message: protocol.ErrorMessage(msg.Error),
		Data:    append(json.RawMessage(nil), msg.Error...),
	})
}

func (c *Client) reject(p *pendingRequest, err error) {
	c.health.Record(c.scope, health.RequestFail)
	if e, ok := AsError(err); ok && e.Method == "" {
		e.Method = p.method
	}
	if p.reject != nil {
		p.reject(err)
	}
	p.call.settle(Response{}, err)
}

func (c *Client) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p
}

func (c *Client) serve(h HandlerFunc, msg protocol.Message) {
	reply := protocol.Message{ID: msg.ID}
	result, err := runHandler(c.ctx, h, msg.Params)
	if err != nil {
		reply.Error = EncodeError(err)
	} else if reply.Params, err = marshalParams(result); err != nil {
		reply.Error = EncodeError(WrapError(ErrorProtocol, "marshal result for "+msg.Method, err))
	}
	if err := c.port.PostMessage(reply); err != nil {
		c.logger.Warn("hostapi: failed to answer request", "method", msg.Method, "id", msg.ID, "err", err)
	}
}

func runHandler(ctx context.Context, h HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(ErrorListenerFailure, fmt.Sprintf("handler panic: %v", rec))
		}
	}()
	return h(ctx, params)
}

// Close rejects every outstanding request and stops delivery. The port is
// left open; its owner closes it.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = map[string]*pendingRequest{}
	c.mu.Unlock()

	c.cancel()
	c.events.Close()
	for _, p := range pending {
		c.reject(p, NewError(ErrorClosed, "client closed before response"))
	}
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeError renders err for the error field of a response: a structured
// object for hostapi errors, a plain message string otherwise. Remote errors
// are passed through untouched.
func EncodeError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		if e.Kind == ErrorRemote && len(e.Data) > 0 {
			return e.Data
		}
		b, mErr := json.Marshal(protocol.ErrorPayload{Code: e.Code, Message: e.Message, Data: e.Data})
		if mErr == nil {
			return b
		}
	}
	b, _ := json.Marshal(err.Error())
	return b
}
