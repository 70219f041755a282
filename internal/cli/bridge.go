package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/marcohefti/hostipc/internal/config"
	"github.com/marcohefti/hostipc/internal/diag"
	"github.com/marcohefti/hostipc/internal/health"
	"github.com/marcohefti/hostipc/internal/host"
	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/logging"
	"github.com/marcohefti/hostipc/internal/protocol"
	"github.com/marcohefti/hostipc/internal/ratewatch"
	"github.com/marcohefti/hostipc/internal/redact"
	"github.com/marcohefti/hostipc/internal/transport"
)

const (
	maxRestartBackoff = 30 * time.Second
	recordTimeout     = 5 * time.Second
	bridgeScope       = "host"
)

// bridge joins every connected webview panel to a single agent and keeps the
// diagnostics store fed.
type bridge struct {
	version string
	logger  *logging.Logger
	health  *health.Recorder
	store   *diag.Store
	started time.Time

	mu      sync.Mutex
	cfg     config.Config
	agent   host.Agent
	proc    *host.AgentProcess
	guard   *ratewatch.Guard
	routers map[*host.Router]*host.Panel
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newBridge(cfg config.Config, logger *logging.Logger, version string) (*bridge, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	b := &bridge{
		version: version,
		logger:  logger,
		health:  health.NewRecorder(),
		started: time.Now().UTC(),
		cfg:     cfg,
		routers: map[*host.Router]*host.Panel{},
		stop:    make(chan struct{}),
	}
	if cfg.Diag.DB != "" {
		store, err := diag.Open(cfg.Diag.DB)
		if err != nil {
			return nil, err
		}
		b.store = store
	}
	return b, nil
}

func (b *bridge) config() config.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *bridge) newGuard(cfg config.Config) *ratewatch.Guard {
	sink := &ratewatch.Suppressor{Logger: b.logger.Logger, OnEmit: b.recordRate}
	return ratewatch.NewGuard(ratewatch.GuardOptions{
		Name:      "agent",
		Window:    cfg.RateGuard.Window.Duration,
		Threshold: cfg.RateGuard.Threshold,
		Exempt:    cfg.RateGuard.Exempt,
		Alert:     sink.Alert,
	})
}

// startAgent launches the configured agent command and keeps it running
// until ctx ends or the bridge closes. Without a command it does nothing.
func (b *bridge) startAgent(ctx context.Context) error {
	argv := b.config().AgentArgv()
	if len(argv) == 0 {
		return nil
	}
	proc, err := b.spawn(ctx, argv)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go b.supervise(ctx, argv, proc)
	return nil
}

func (b *bridge) spawn(ctx context.Context, argv []string) (*host.AgentProcess, error) {
	cfg := b.config()
	guard := b.newGuard(cfg)
	proc, err := host.StartAgent(ctx, host.AgentConfig{
		Command:         argv,
		ShutdownTimeout: cfg.Agent.ShutdownTimeout.Duration,
		Logger:          b.logger.Logger,
		ClientOptions: []hostapi.Option{
			hostapi.WithGuard(guard),
			hostapi.WithHealth(b.health, "agent"),
			hostapi.WithStaleReporter(b.recordStale),
			hostapi.WithOrphanReporter(b.recordOrphan),
			hostapi.WithReaperInterval(cfg.Reaper.Interval.Duration),
			hostapi.WithDefaultTimeout(cfg.Reaper.DefaultTimeout.Duration),
			hostapi.WithNotificationTap(b.broadcast),
		},
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = proc.Close(context.Background())
		return nil, hostapi.NewError(hostapi.ErrorClosed, "bridge closed")
	}
	b.proc = proc
	b.guard = guard
	b.mu.Unlock()
	b.useAgent(proc)
	go proc.Client().RunReaper(ctx)
	return proc, nil
}

func (b *bridge) supervise(ctx context.Context, argv []string, proc *host.AgentProcess) {
	defer b.wg.Done()
	backoff := time.Second
	startedAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-proc.Exited():
		}
		if ctx.Err() != nil || b.isClosed() {
			return
		}
		if time.Since(startedAt) > time.Minute {
			backoff = time.Second
		}
		b.health.Record(bridgeScope, health.AgentRestart)
		b.logger.Warn("serve: agent exited, restarting", "in", backoff.String(), "stderr", proc.StderrTail())

		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRestartBackoff)

		next, err := b.spawn(ctx, argv)
		if err != nil {
			b.logger.Error("serve: agent restart failed", "err", err)
			continue
		}
		proc = next
		startedAt = time.Now()
	}
}

// useAgent points every current and future router at a.
func (b *bridge) useAgent(a host.Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agent = a
	for r := range b.routers {
		r.SetAgent(a)
	}
}

func (b *bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// applyConfig takes the reloadable parts of a new configuration: log level,
// rate threshold and redaction rules. Everything else needs a restart.
func (b *bridge) applyConfig(next config.Config) {
	b.mu.Lock()
	b.cfg = next
	guard := b.guard
	b.mu.Unlock()

	if err := b.logger.SetLevel(next.Log.Level); err != nil {
		b.logger.Warn("serve: keeping log level", "err", err)
	}
	if guard != nil {
		guard.SetThreshold(next.RateGuard.Threshold)
	}
	if err := applyRedaction(next.Redaction); err != nil {
		b.logger.Warn("serve: redaction rules not applied", "err", err)
	}
	b.logger.Info("serve: configuration reloaded", "logLevel", next.Log.Level, "rateThreshold", next.RateGuard.Threshold)
}

func applyRedaction(rules []config.RedactionRule) error {
	redact.Reset()
	var errs []error
	for _, rule := range rules {
		if err := redact.Register(rule.ID, rule.Regex, rule.Replacement); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrade(w, r, transport.WithLogger(b.logger.Logger))
	if err != nil {
		b.logger.Warn("serve: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	b.attach(ws)
}

// attach serves one webview connection until either side closes it.
func (b *bridge) attach(ws *transport.WebSocket) {
	cfg := b.config()
	var panel *host.Panel
	panel = host.NewPanel(ws, host.PanelOptions{
		QueueThreshold: cfg.Panel.QueueThreshold,
		ReadyTimeout:   cfg.Panel.ReadyTimeout.Duration,
		Logger:         b.logger.Logger,
		Health:         b.health,
		OnReload: func() {
			if err := panel.Notify(protocol.MethodWebviewReload, nil); err != nil {
				b.logger.Warn("serve: reload request failed", "err", err)
			}
		},
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		panel.Close()
		return
	}
	router := host.NewRouter(panel, b.agent, host.RouterOptions{
		Logger:   b.logger.Logger,
		Health:   b.health,
		OnOrphan: b.recordOrphan,
	})
	b.routers[router] = panel
	b.mu.Unlock()

	router.Handle(protocol.MethodHostBootstrap, b.bootstrap)
	router.Handle(protocol.MethodHostHealth, b.healthReport)
	router.Handle(protocol.MethodHostDiagnostics, b.diagnostics)
	ws.OnMessage(router.HandleMessage)
	ws.Start()
	b.logger.Info("serve: webview connected", "panels", b.panelCount())

	go func() {
		if err := panel.WaitReady(context.Background()); err != nil && !hostapi.IsKind(err, hostapi.ErrorClosed) {
			b.logger.Warn("serve: webview never initialized", "err", err)
		}
	}()
	go func() {
		select {
		case <-ws.Done():
		case <-panel.Done():
		}
		b.mu.Lock()
		delete(b.routers, router)
		b.mu.Unlock()
		router.Close()
		panel.Close()
		b.logger.Info("serve: webview disconnected", "err", ws.Err())
	}()
}

func (b *bridge) panelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.routers)
}

// broadcast forwards an agent notification to every connected webview.
func (b *bridge) broadcast(method string, params json.RawMessage) {
	b.mu.Lock()
	panels := make([]*host.Panel, 0, len(b.routers))
	for _, p := range b.routers {
		panels = append(panels, p)
	}
	b.mu.Unlock()
	for _, p := range panels {
		if err := p.Notify(method, params); err != nil {
			b.logger.Debug("serve: forwarding notification failed", "method", method, "err", err)
		}
	}
}

type bootstrapInfo struct {
	Version        string    `json:"version"`
	AgentConnected bool      `json:"agentConnected"`
	StartedAt      time.Time `json:"startedAt"`
}

func (b *bridge) bootstrap(context.Context, json.RawMessage) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bootstrapInfo{Version: b.version, AgentConnected: b.agent != nil, StartedAt: b.started}, nil
}

type healthInfo struct {
	Scopes  []health.Snapshot `json:"scopes"`
	Pending int               `json:"pending"`
	Panels  int               `json:"panels"`
	Rates   []ratewatch.Count `json:"rates"`
}

func (b *bridge) healthReport(context.Context, json.RawMessage) (any, error) {
	b.mu.Lock()
	agent, proc, guard, panels := b.agent, b.proc, b.guard, len(b.routers)
	b.mu.Unlock()

	out := healthInfo{Scopes: b.health.Snapshot(), Panels: panels, Rates: []ratewatch.Count{}}
	switch {
	case proc != nil:
		out.Pending = proc.Client().Pending()
	default:
		if p, ok := agent.(interface{ Pending() int }); ok {
			out.Pending = p.Pending()
		}
	}
	if guard != nil {
		out.Rates = guard.Snapshot()
	}
	return out, nil
}

type diagnosticsParams struct {
	Limit int `json:"limit"`
}

type diagnosticsInfo struct {
	Enabled bool          `json:"enabled"`
	Reports []diag.Report `json:"reports"`
}

func (b *bridge) diagnostics(ctx context.Context, params json.RawMessage) (any, error) {
	var p diagnosticsParams
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, hostapi.WrapError(hostapi.ErrorProtocol, "decode diagnostics params", err)
		}
	}
	if b.store == nil {
		return diagnosticsInfo{Reports: []diag.Report{}}, nil
	}
	reports, err := b.store.Recent(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []diag.Report{}
	}
	return diagnosticsInfo{Enabled: true, Reports: reports}, nil
}

func (b *bridge) recordStale(g hostapi.StaleGroup) {
	b.record(diag.Report{
		Kind:    diag.KindStale,
		Method:  g.Method,
		Count:   g.Count(),
		Oldest:  g.Oldest,
		Message: fmt.Sprintf("purged %d stale requests for %s", g.Count(), g.Method),
	})
}

func (b *bridge) recordRate(identifier string, _ int, count int, line string) {
	b.record(diag.Report{Kind: diag.KindRate, Method: identifier, Count: count, Message: line})
}

func (b *bridge) recordOrphan(id string) {
	b.record(diag.Report{Kind: diag.KindOrphan, Count: 1, Message: "no pending request for response " + id})
}

func (b *bridge) record(r diag.Report) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := b.store.Record(ctx, r); err != nil {
		b.logger.Warn("serve: recording diagnostics failed", "kind", r.Kind, "err", err)
	}
}

// Close disconnects every panel, stops the agent and closes the store.
func (b *bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	proc := b.proc
	routers := b.routers
	b.routers = map[*host.Router]*host.Panel{}
	b.mu.Unlock()

	for r, p := range routers {
		r.Close()
		p.Close()
	}
	var errs []error
	if proc != nil {
		errs = append(errs, proc.Close(ctx))
	}
	b.wg.Wait()
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	return errors.Join(errs...)
}
