package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcohefti/hostipc/internal/health"
	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/protocol"
)

// Agent is the background process that serves codestream/* requests.
// *hostapi.Client satisfies it.
type Agent interface {
	Request(ctx context.Context, method string, params any, opts ...hostapi.SendOption) (hostapi.Response, error)
	Notify(method string, params any) error
}

type HostHandler func(ctx context.Context, params json.RawMessage) (any, error)

type NotificationHandler func(params json.RawMessage)

type RouterOptions struct {
	Logger *slog.Logger
	Health *health.Recorder
	// OnOrphan sees responses that answer no outstanding host request.
	OnOrphan func(id string)
}

// Router dispatches messages coming from the webview: responses complete
// host requests, codestream/* goes to the agent, host/* to registered
// handlers.
type Router struct {
	panel  *Panel
	logger *slog.Logger
	health *health.Recorder
	orphan func(id string)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	agent    Agent
	handlers map[string]HostHandler
	notes    map[string]NotificationHandler
}

func NewRouter(panel *Panel, agent Agent, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		panel:    panel,
		agent:    agent,
		logger:   opts.Logger,
		health:   opts.Health,
		orphan:   opts.OnOrphan,
		handlers: map[string]HostHandler{},
		notes:    map[string]NotificationHandler{},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.HandleNotification(protocol.MethodWebviewDidInitialize, func(json.RawMessage) { panel.Ready() })
	return r
}

func (r *Router) SetAgent(a Agent) {
	r.mu.Lock()
	r.agent = a
	r.mu.Unlock()
}

func (r *Router) Handle(method string, h HostHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, method)
		return
	}
	r.handlers[method] = h
}

func (r *Router) HandleNotification(method string, h NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.notes, method)
		return
	}
	r.notes[method] = h
}

// Close cancels in-flight agent and handler calls.
func (r *Router) Close() { r.cancel() }

// HandleMessage is the panel port's inbound handler. Requests are served on
// their own goroutine so a slow agent call never stalls the read loop.
func (r *Router) HandleMessage(msg protocol.Message) {
	if msg.IsResponse() {
		if !r.panel.CompletePending(msg) {
			r.health.Record(healthScope, health.ResponseOrphan)
			r.logger.Debug("host: no pending host request for response", "id", msg.ID)
			if r.orphan != nil {
				r.orphan(msg.ID)
			}
		}
		return
	}
	if msg.Method == "" {
		return
	}

	switch protocol.RouteOf(msg.Method) {
	case protocol.RouteAgent:
		r.toAgent(msg)
	case protocol.RouteHost:
		r.toHost(msg)
	default:
		r.logger.Warn("host: unroutable webview message", "method", msg.Method)
	}
}

func (r *Router) currentAgent() Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent
}

func (r *Router) toAgent(msg protocol.Message) {
	agent := r.currentAgent()
	if !msg.IsRequest() {
		if agent == nil {
			r.logger.Warn("host: dropping notification, no agent", "method", msg.Method)
			return
		}
		if err := agent.Notify(msg.Method, msg.Params); err != nil {
			r.logger.Error("host: forwarding notification failed", "method", msg.Method, "err", err)
		}
		return
	}
	if agent == nil {
		r.respond(msg, nil, hostapi.NewError(hostapi.ErrorTransport, "no agent connected"))
		return
	}
	go func() {
		resp, err := agent.Request(r.ctx, msg.Method, msg.Params)
		switch {
		case err != nil:
			r.respond(msg, nil, err)
		case resp.Maintenance:
			r.respond(msg, nil, &hostapi.Error{Kind: hostapi.ErrorRemote, Method: msg.Method, Data: resp.Error})
		default:
			r.respond(msg, resp.Params, nil)
		}
	}()
}

func (r *Router) toHost(msg protocol.Message) {
	r.mu.RLock()
	h := r.handlers[msg.Method]
	n := r.notes[msg.Method]
	r.mu.RUnlock()

	if !msg.IsRequest() {
		if n == nil {
			r.logger.Debug("host: unhandled notification", "method", msg.Method)
			return
		}
		_ = r.safely(msg.Method, func() { n(msg.Params) })
		return
	}
	if h == nil {
		r.report(fmt.Sprintf("unhandled request %s", msg.Method))
		r.respond(msg, nil, fmt.Errorf("no handler for %s", msg.Method))
		return
	}
	go func() {
		var result any
		var err error
		if failed := r.safely(msg.Method, func() { result, err = h(r.ctx, msg.Params) }); failed != nil {
			err = failed
		}
		r.respond(msg, result, err)
	}()
}

func (r *Router) safely(method string, fn func()) (failed error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.health.Record(healthScope, health.ListenerFailure)
			msg := fmt.Sprintf("handler for %s panicked: %v", method, rec)
			r.report(msg)
			failed = hostapi.NewError(hostapi.ErrorListenerFailure, msg)
		}
	}()
	fn()
	return nil
}

func (r *Router) respond(req protocol.Message, result any, err error) {
	if err := r.panel.Respond(req, result, err); err != nil {
		r.logger.Error("host: failed to respond", "method", req.Method, "id", req.ID, "err", err)
	}
}

// report logs a failure and forwards it to the agent's error reporting.
func (r *Router) report(message string) {
	r.logger.Error("host: " + message)
	agent := r.currentAgent()
	if agent == nil {
		return
	}
	_ = agent.Notify(protocol.MethodReportMessage, map[string]string{
		"type":    "error",
		"source":  "extension",
		"message": message,
	})
}
