package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcohefti/hostipc/internal/config"
	"github.com/marcohefti/hostipc/internal/diag"
	"github.com/marcohefti/hostipc/internal/health"
	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/ids"
	"github.com/marcohefti/hostipc/internal/logging"
	"github.com/marcohefti/hostipc/internal/protocol"
	"github.com/marcohefti/hostipc/internal/transport"
)

const agentModeEnv = "HOSTIPC_TEST_AGENT"

func TestMain(m *testing.M) {
	switch os.Getenv(agentModeEnv) {
	case "echo":
		runEchoAgent()
		os.Exit(0)
	case "crash":
		_, _ = os.Stderr.WriteString("agent: crashed on purpose\n")
		os.Exit(3)
	}
	os.Exit(m.Run())
}

func runEchoAgent() {
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil || !msg.IsRequest() {
			continue
		}
		_ = out.Encode(protocol.Message{ID: msg.ID, Params: msg.Params})
	}
}

// fakeAgent answers over an in-memory pipe: codestream/fail errors, anything
// else echoes its params. Notifications are recorded.
type fakeAgent struct {
	port transport.Port

	mu    sync.Mutex
	notes []string
}

func (a *fakeAgent) handle(m protocol.Message) {
	switch {
	case m.IsRequest() && m.Method == "codestream/fail":
		_ = a.port.PostMessage(protocol.Message{ID: m.ID, Error: json.RawMessage(`{"message":"boom"}`)})
	case m.IsRequest():
		_ = a.port.PostMessage(protocol.Message{ID: m.ID, Params: m.Params})
	case m.IsNotification():
		a.mu.Lock()
		a.notes = append(a.notes, m.Method)
		a.mu.Unlock()
	}
}

func (a *fakeAgent) notified() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.notes...)
}

type testBridge struct {
	*bridge
	url   string
	agent *fakeAgent
}

func startBridge(t *testing.T, cfg config.Config) *testBridge {
	t.Helper()
	b, err := newBridge(cfg, logging.Discard(), "1.2.3")
	require.NoError(t, err)

	hostEnd, agentEnd := transport.Pipe()
	fa := &fakeAgent{port: agentEnd}
	agentEnd.OnMessage(fa.handle)
	client := hostapi.New(hostEnd,
		hostapi.WithGenerator(ids.NewGenerator("host")),
		hostapi.WithHealth(b.health, "agent"),
		hostapi.WithNotificationTap(b.broadcast),
	)
	b.useAgent(client)

	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
		client.Close()
		srv.Close()
	})
	return &testBridge{bridge: b, url: "ws" + strings.TrimPrefix(srv.URL, "http"), agent: fa}
}

func bridgeConfig(t *testing.T, withDiag bool) config.Config {
	cfg := config.Default()
	if withDiag {
		cfg.Diag.DB = filepath.Join(t.TempDir(), "diag.db")
	}
	return cfg
}

func runCall(t *testing.T, url string, args ...string) (int, callResult, string) {
	t.Helper()
	r, stdout, stderr := newRunner()
	code := r.Run(append([]string{"call", "--url", url, "--timeout", "5s", "--json"}, args...))
	var res callResult
	if stdout.Len() > 0 {
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &res), stdout.String())
	}
	return code, res, stderr.String()
}

func TestCallIsForwardedToAgent(t *testing.T) {
	tb := startBridge(t, bridgeConfig(t, false))

	code, res, stderr := runCall(t, tb.url, "--method", "codestream/echo", "--params", `{"a":1}`)
	require.Equal(t, 0, code, stderr)
	require.True(t, res.OK)
	require.JSONEq(t, `{"a":1}`, string(res.Result))
}

func TestCallSurfacesAgentErrors(t *testing.T) {
	tb := startBridge(t, bridgeConfig(t, false))

	code, res, _ := runCall(t, tb.url, "--method", "codestream/fail")
	require.Equal(t, 1, code)
	require.False(t, res.OK)
	require.Contains(t, string(res.Error), "boom")

	r, _, stderr := newRunner()
	require.Equal(t, 1, r.Run([]string{"call", "--url", tb.url, "--method", "codestream/fail"}))
	require.Equal(t, "HOSTIPC_E_REMOTE: boom\n", stderr.String())
}

func TestCallNotifyReachesAgent(t *testing.T) {
	tb := startBridge(t, bridgeConfig(t, false))

	code, res, stderr := runCall(t, tb.url, "--method", "codestream/didSave", "--notify")
	require.Equal(t, 0, code, stderr)
	require.True(t, res.Notify)
	require.Eventually(t, func() bool {
		for _, m := range tb.agent.notified() {
			if m == "codestream/didSave" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallUsageErrors(t *testing.T) {
	r, _, _ := newRunner()
	require.Equal(t, 2, r.Run([]string{"call"}))
	require.Equal(t, 2, r.Run([]string{"call", "--method", "m", "--params", "{nope"}))

	r, _, stderr := newRunner()
	require.Equal(t, 1, r.Run([]string{"call", "--url", "ws://127.0.0.1:1/ipc", "--method", "m", "--timeout", "1s"}))
	require.True(t, strings.HasPrefix(stderr.String(), "HOSTIPC_E_TRANSPORT: "), stderr.String())
}

func TestHostHandlers(t *testing.T) {
	tb := startBridge(t, bridgeConfig(t, false))

	code, res, stderr := runCall(t, tb.url, "--method", protocol.MethodHostBootstrap)
	require.Equal(t, 0, code, stderr)
	var boot bootstrapInfo
	require.NoError(t, json.Unmarshal(res.Result, &boot))
	require.Equal(t, "1.2.3", boot.Version)
	require.True(t, boot.AgentConnected)

	code, _, _ = runCall(t, tb.url, "--method", "codestream/echo")
	require.Equal(t, 0, code)

	code, res, stderr = runCall(t, tb.url, "--method", protocol.MethodHostHealth)
	require.Equal(t, 0, code, stderr)
	var h healthInfo
	require.NoError(t, json.Unmarshal(res.Result, &h))
	require.GreaterOrEqual(t, h.Panels, 1)
	require.Zero(t, h.Pending)
	found := false
	for _, s := range h.Scopes {
		if s.Scope == "agent" && s.Metrics[string(health.RequestSent)] >= 1 {
			found = true
		}
	}
	require.True(t, found, "agent request_sent missing from %+v", h.Scopes)

	code, res, _ = runCall(t, tb.url, "--method", protocol.MethodHostDiagnostics)
	require.Equal(t, 0, code)
	require.JSONEq(t, `{"enabled":false,"reports":[]}`, string(res.Result))

	code, res, _ = runCall(t, tb.url, "--method", "host/unknown")
	require.Equal(t, 1, code)
	require.Contains(t, string(res.Error), "no handler for host/unknown")
}

func dialWebview(t *testing.T, url string) (*hostapi.Client, *transport.WebSocket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := transport.DialWebSocket(ctx, url)
	require.NoError(t, err)
	client := hostapi.New(ws)
	t.Cleanup(func() {
		client.Close()
		_ = ws.Close()
	})
	return client, ws
}

func TestAgentNotificationsReachEveryWebview(t *testing.T) {
	tb := startBridge(t, bridgeConfig(t, false))

	got := make(chan string, 2)
	for i := 0; i < 2; i++ {
		client, ws := dialWebview(t, tb.url)
		client.On("codestream/didChangeData", func(p json.RawMessage) { got <- string(p) })
		ws.Start()
		require.NoError(t, client.Notify(protocol.MethodWebviewDidInitialize, nil))
	}
	require.Eventually(t, func() bool { return tb.panelCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tb.agent.port.PostMessage(protocol.Message{Method: "codestream/didChangeData", Params: json.RawMessage(`{"type":"posts"}`)}))
	for i := 0; i < 2; i++ {
		select {
		case p := <-got:
			require.JSONEq(t, `{"type":"posts"}`, p)
		case <-time.After(5 * time.Second):
			t.Fatal("notification not forwarded")
		}
	}
}

func TestOrphanResponsesAreRecorded(t *testing.T) {
	tb := startBridge(t, bridgeConfig(t, true))

	client, ws := dialWebview(t, tb.url)
	ws.Start()
	require.NoError(t, ws.PostMessage(protocol.Message{ID: "host:99", Params: json.RawMessage(`1`)}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, protocol.MethodHostDiagnostics, map[string]int{"limit": 5})
	require.NoError(t, err)

	var info diagnosticsInfo
	require.NoError(t, resp.Decode(&info))
	require.True(t, info.Enabled)
	require.Len(t, info.Reports, 1)
	require.Equal(t, diag.KindOrphan, info.Reports[0].Kind)
	require.Contains(t, info.Reports[0].Message, "host:99")
}

func TestStaleAndRateReportsArePersisted(t *testing.T) {
	b, err := newBridge(bridgeConfig(t, true), logging.Discard(), "dev")
	require.NoError(t, err)
	defer b.Close(context.Background())

	oldest := time.UnixMilli(1700000000000).UTC()
	b.recordStale(hostapi.StaleGroup{Method: "codestream/posts", IDs: []string{"a", "b"}, Oldest: oldest})

	guard := b.newGuard(config.Default())
	for i := 0; i < 25; i++ {
		guard.Observe("codestream/users:")
	}

	reports, err := b.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	kinds := map[diag.Kind]diag.Report{}
	for _, r := range reports {
		kinds[r.Kind] = r
	}
	require.Equal(t, 2, kinds[diag.KindStale].Count)
	require.True(t, kinds[diag.KindStale].Oldest.Equal(oldest))
	require.Equal(t, "More than 20 calls pending for codestream/users:", kinds[diag.KindRate].Message)
}

func TestApplyConfigUpdatesLiveSettings(t *testing.T) {
	var buf strings.Builder
	logger, err := logging.New(&buf, "info", "text")
	require.NoError(t, err)
	b, err := newBridge(bridgeConfig(t, false), logger, "dev")
	require.NoError(t, err)
	defer b.Close(context.Background())
	b.guard = b.newGuard(b.config())

	next := config.Default()
	next.Log.Level = "debug"
	next.RateGuard.Threshold = 3
	b.applyConfig(next)

	require.Equal(t, "debug", strings.ToLower(logger.Level().String()))
	require.Equal(t, 3, b.guard.Threshold())
	require.Equal(t, 3, b.config().RateGuard.Threshold)
}

func agentCommand() string {
	return os.Args[0] + " -test.run=^$"
}

func TestBridgeRunsConfiguredAgent(t *testing.T) {
	if strings.ContainsAny(os.Args[0], " \t") {
		t.Skip("test binary path contains whitespace")
	}
	t.Setenv(agentModeEnv, "echo")
	cfg := bridgeConfig(t, false)
	cfg.Agent.Command = agentCommand()

	b, err := newBridge(cfg, logging.Discard(), "dev")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.startAgent(ctx))

	srv := httptest.NewServer(b)
	defer srv.Close()
	code, res, stderr := runCall(t, "ws"+strings.TrimPrefix(srv.URL, "http"), "--method", "codestream/echo", "--params", `"hi"`)
	require.Equal(t, 0, code, stderr)
	require.JSONEq(t, `"hi"`, string(res.Result))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	require.NoError(t, b.Close(closeCtx))
}

func TestBridgeRestartsCrashedAgent(t *testing.T) {
	if strings.ContainsAny(os.Args[0], " \t") {
		t.Skip("test binary path contains whitespace")
	}
	t.Setenv(agentModeEnv, "crash")
	cfg := bridgeConfig(t, false)
	cfg.Agent.Command = agentCommand()

	b, err := newBridge(cfg, logging.Discard(), "dev")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.startAgent(ctx))

	require.Eventually(t, func() bool {
		return b.health.Count(bridgeScope, health.AgentRestart) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	_ = b.Close(closeCtx)
}

func TestWebviewClientNormalizesHostNotifications(t *testing.T) {
	webviewEnd, hostEnd := transport.Pipe()
	client := newWebviewClient(webviewEnd, time.Second)
	t.Cleanup(func() {
		client.Close()
		_ = webviewEnd.Close()
		_ = hostEnd.Close()
	})

	got := make(chan string, 1)
	client.On(protocol.MethodDidChangeActiveEditor, func(p json.RawMessage) { got <- string(p) })
	require.NoError(t, hostEnd.PostMessage(protocol.Message{
		Method: protocol.MethodDidChangeActiveEditor,
		Params: json.RawMessage(`{"editor":{"uri":"FILE:///C%3A/src/main.go"}}`),
	}))

	select {
	case p := <-got:
		require.JSONEq(t, `{"editor":{"uri":"file:///c:/src/main.go"}}`, p)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}
