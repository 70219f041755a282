package host

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/protocol"
)

type fakeAgent struct {
	mu       sync.Mutex
	notified []string
	reply    func(method string, params any) (hostapi.Response, error)
}

func (a *fakeAgent) Request(ctx context.Context, method string, params any, opts ...hostapi.SendOption) (hostapi.Response, error) {
	return a.reply(method, params)
}

func (a *fakeAgent) Notify(method string, params any) error {
	a.mu.Lock()
	a.notified = append(a.notified, method)
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) notifications() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.notified...)
}

func readyRouter(agent Agent) (*Router, *Panel, *fakePort) {
	port := &fakePort{}
	panel := NewPanel(port, PanelOptions{})
	r := NewRouter(panel, agent, RouterOptions{})
	r.HandleMessage(protocol.Message{Method: protocol.MethodWebviewDidInitialize})
	return r, panel, port
}

func responseFor(t *testing.T, port *fakePort, id string) protocol.Message {
	t.Helper()
	var found protocol.Message
	require.Eventually(t, func() bool {
		for _, m := range port.sent() {
			if m.ID == id {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func TestRouterInitializeResumesPanel(t *testing.T) {
	_, panel, _ := readyRouter(nil)
	require.False(t, panel.Paused())
}

func TestRouterForwardsAgentRequests(t *testing.T) {
	agent := &fakeAgent{reply: func(method string, params any) (hostapi.Response, error) {
		raw, _ := params.(json.RawMessage)
		return hostapi.Response{Params: raw}, nil
	}}
	r, _, port := readyRouter(agent)
	defer r.Close()

	r.HandleMessage(protocol.Message{ID: "wv:1:a:1", Method: "codestream/echo", Params: json.RawMessage(`{"v":1}`)})
	resp := responseFor(t, port, "wv:1:a:1")
	require.JSONEq(t, `{"v":1}`, string(resp.Params))
	require.False(t, resp.HasError())
}

func TestRouterPassesAgentErrorsThrough(t *testing.T) {
	agent := &fakeAgent{reply: func(method string, params any) (hostapi.Response, error) {
		if method == "codestream/maint" {
			return hostapi.Response{Maintenance: true, Error: json.RawMessage(`"in maintenance mode"`)}, nil
		}
		return hostapi.Response{}, &hostapi.Error{Kind: hostapi.ErrorRemote, Data: json.RawMessage(`{"message":"denied","code":403}`)}
	}}
	r, _, port := readyRouter(agent)
	defer r.Close()

	r.HandleMessage(protocol.Message{ID: "a", Method: "codestream/fail"})
	r.HandleMessage(protocol.Message{ID: "b", Method: "codestream/maint"})
	require.JSONEq(t, `{"message":"denied","code":403}`, string(responseFor(t, port, "a").Error))
	require.JSONEq(t, `"in maintenance mode"`, string(responseFor(t, port, "b").Error))
}

func TestRouterForwardsAgentNotifications(t *testing.T) {
	agent := &fakeAgent{}
	r, _, _ := readyRouter(agent)
	r.HandleMessage(protocol.Message{Method: "codestream/telemetry"})
	require.Equal(t, []string{"codestream/telemetry"}, agent.notifications())
}

func TestRouterHostHandlers(t *testing.T) {
	agent := &fakeAgent{}
	r, _, port := readyRouter(agent)
	defer r.Close()

	r.Handle(protocol.MethodHostBootstrap, func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"version": "test"}, nil
	})
	r.Handle("host/explode", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("kaboom")
	})
	focused := make(chan json.RawMessage, 1)
	r.HandleNotification("host/focus", func(p json.RawMessage) { focused <- p })

	r.HandleMessage(protocol.Message{ID: "1", Method: protocol.MethodHostBootstrap})
	r.HandleMessage(protocol.Message{ID: "2", Method: "host/unknown"})
	r.HandleMessage(protocol.Message{ID: "3", Method: "host/explode"})
	r.HandleMessage(protocol.Message{Method: "host/focus", Params: json.RawMessage(`true`)})

	require.JSONEq(t, `{"version":"test"}`, string(responseFor(t, port, "1").Params))
	require.JSONEq(t, `"no handler for host/unknown"`, string(responseFor(t, port, "2").Error))
	require.Contains(t, string(responseFor(t, port, "3").Error), "kaboom")
	require.JSONEq(t, `true`, string(<-focused))

	// Failures are reported to the agent.
	require.Eventually(t, func() bool {
		n := 0
		for _, m := range agent.notifications() {
			if m == protocol.MethodReportMessage {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouterWithoutAgentAnswersError(t *testing.T) {
	r, _, port := readyRouter(nil)
	r.HandleMessage(protocol.Message{ID: "x", Method: "codestream/anything"})
	require.Contains(t, string(responseFor(t, port, "x").Error), "no agent connected")
}

func TestRouterCompletesHostRequests(t *testing.T) {
	r, panel, port := readyRouter(nil)
	done := make(chan hostapi.Response, 1)
	go func() {
		resp, _ := panel.Send(context.Background(), "webview/ask", nil)
		done <- resp
	}()
	require.Eventually(t, func() bool { return len(port.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	r.HandleMessage(protocol.Message{ID: port.sent()[0].ID, Params: json.RawMessage(`"yes"`)})
	require.JSONEq(t, `"yes"`, string((<-done).Params))

	require.NotPanics(t, func() {
		r.HandleMessage(protocol.Message{ID: "host:404"})
		r.HandleMessage(protocol.Message{Method: "elsewhere/thing"})
		r.HandleMessage(protocol.Message{})
	})
}

func TestRouterReportsOrphanResponses(t *testing.T) {
	port := &fakePort{}
	panel := NewPanel(port, PanelOptions{})
	var orphans []string
	r := NewRouter(panel, nil, RouterOptions{OnOrphan: func(id string) { orphans = append(orphans, id) }})
	r.HandleMessage(protocol.Message{ID: "host:404", Params: json.RawMessage(`1`)})
	require.Equal(t, []string{"host:404"}, orphans)
}
