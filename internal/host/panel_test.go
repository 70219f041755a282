package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcohefti/hostipc/internal/health"
	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/protocol"
	"github.com/marcohefti/hostipc/internal/transport"
)

type fakePort struct {
	mu      sync.Mutex
	posted  []protocol.Message
	fail    bool
	closed  bool
	handler func(protocol.Message)
}

func (p *fakePort) PostMessage(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("webview hidden")
	}
	p.posted = append(p.posted, msg)
	return nil
}

func (p *fakePort) OnMessage(fn func(protocol.Message)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

func (p *fakePort) sent() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.posted...)
}

func methods(msgs []protocol.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Method)
	}
	return out
}

func TestPanelQueuesUntilReady(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{})
	require.True(t, p.Paused())

	require.NoError(t, p.Notify("webview/a", nil))
	require.NoError(t, p.Notify("webview/b", map[string]int{"n": 1}))
	require.Empty(t, port.sent())
	require.Equal(t, 2, p.Queued())

	p.Ready()
	require.False(t, p.Paused())
	require.Equal(t, []string{"webview/a", "webview/b"}, methods(port.sent()))

	require.NoError(t, p.Notify("webview/c", nil))
	require.Equal(t, []string{"webview/a", "webview/b", "webview/c"}, methods(port.sent()))
}

func TestPanelFailedFlushRequeues(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{})
	require.NoError(t, p.Notify("webview/a", nil))
	require.NoError(t, p.Notify("webview/b", nil))

	port.setFail(true)
	p.Ready()
	require.True(t, p.Paused())
	require.Equal(t, 2, p.Queued())

	port.setFail(false)
	p.Ready()
	require.Equal(t, []string{"webview/a", "webview/b"}, methods(port.sent()))
	require.Zero(t, p.Queued())
}

func TestPanelOverflowReloads(t *testing.T) {
	port := &fakePort{}
	rec := health.NewRecorder()
	reloads := 0
	p := NewPanel(port, PanelOptions{QueueThreshold: 3, Health: rec, OnReload: func() { reloads++ }})

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Notify("webview/x", i))
	}
	require.Equal(t, 3, p.Queued())

	p.Ready()
	require.Equal(t, 1, reloads)
	require.Empty(t, port.sent())
	require.Zero(t, p.Queued())
	require.False(t, p.Paused())
	require.EqualValues(t, 1, rec.Count("host", health.QueueOverflow))
}

func TestPanelSendFailsFastAfterOverflow(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{QueueThreshold: 2})
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Notify("webview/x", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.Send(ctx, "webview/ask", nil)
	require.True(t, hostapi.IsKind(err, hostapi.ErrorTransport), "err=%v", err)
	require.Contains(t, err.Error(), "outbound queue overflowed")
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 2, p.Queued())

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Empty(t, p.pending)
}

func TestPanelOverflowFailsQueuedSends(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{QueueThreshold: 2, OnReload: func() {}})
	errs := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), "webview/ask", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return p.Queued() == 1 }, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Notify("webview/x", i))
	}

	p.Ready()
	select {
	case err := <-errs:
		require.True(t, hostapi.IsKind(err, hostapi.ErrorTransport), "err=%v", err)
		require.Contains(t, err.Error(), "webview reloaded")
	case <-time.After(2 * time.Second):
		t.Fatal("queued send still waiting after reload")
	}
	require.Empty(t, port.sent())

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Empty(t, p.pending)
}

func TestPanelResponsesBypassQueueWhenPossible(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{})
	p.Ready()
	p.Pause()

	require.NoError(t, p.Respond(protocol.Message{ID: "wv:1:a:1", Method: "codestream/x"}, map[string]bool{"ok": true}, nil))
	require.NoError(t, p.Notify("webview/later", nil))

	sent := port.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "wv:1:a:1", sent[0].ID)
	require.JSONEq(t, `{"ok":true}`, string(sent[0].Params))
	require.Equal(t, 1, p.Queued())
}

func TestPanelRespondErrorShapes(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{})
	p.Ready()

	require.NoError(t, p.Respond(protocol.Message{ID: "1"}, nil, errors.New("plain failure")))
	require.NoError(t, p.Respond(protocol.Message{ID: "2"}, nil, hostapi.NewError(hostapi.ErrorTimeout, hostapi.TimedOutMessage)))

	sent := port.sent()
	require.JSONEq(t, `"plain failure"`, string(sent[0].Error))
	require.JSONEq(t, `{"code":"HOSTIPC_E_TIMEOUT","message":"agent request timed out"}`, string(sent[1].Error))
}

func TestPanelSendUsesHostIDs(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{})
	p.Ready()

	type result struct {
		resp hostapi.Response
		err  error
	}
	out := make(chan result, 2)
	go func() {
		resp, err := p.Send(context.Background(), "webview/ask", nil)
		out <- result{resp, err}
	}()
	require.Eventually(t, func() bool { return len(port.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	req := port.sent()[0]
	require.Equal(t, "host:1", req.ID)

	require.False(t, p.CompletePending(protocol.Message{ID: "host:99"}))
	require.True(t, p.CompletePending(protocol.Message{ID: req.ID, Params: json.RawMessage(`42`)}))
	r := <-out
	require.NoError(t, r.err)
	require.JSONEq(t, `42`, string(r.resp.Params))

	go func() {
		_, err := p.Send(context.Background(), "webview/ask", nil)
		out <- result{err: err}
	}()
	require.Eventually(t, func() bool { return len(port.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, p.CompletePending(protocol.Message{ID: "host:2", Error: json.RawMessage(`"no"`)}))
	r = <-out
	require.True(t, hostapi.IsKind(r.err, hostapi.ErrorRemote))
}

func TestPanelCloseFailsPendingSend(t *testing.T) {
	port := &fakePort{}
	p := NewPanel(port, PanelOptions{})
	errs := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), "webview/ask", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return p.Queued() == 1 }, 2*time.Second, 5*time.Millisecond)
	p.Close()

	select {
	case err := <-errs:
		require.True(t, hostapi.IsKind(err, hostapi.ErrorClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("send did not fail on close")
	}
	require.Zero(t, p.Queued())
	require.ErrorIs(t, p.Notify("webview/x", nil), transport.ErrClosed)
}

func TestPanelWaitReady(t *testing.T) {
	p := NewPanel(&fakePort{}, PanelOptions{ReadyTimeout: 20 * time.Millisecond})
	err := p.WaitReady(context.Background())
	require.True(t, hostapi.IsKind(err, hostapi.ErrorTimeout))
	select {
	case <-p.Done():
	default:
		t.Fatal("panel should close after ready timeout")
	}

	ok := NewPanel(&fakePort{}, PanelOptions{ReadyTimeout: time.Second})
	go ok.Ready()
	require.NoError(t, ok.WaitReady(context.Background()))
}
