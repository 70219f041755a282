package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcohefti/hostipc/internal/protocol"
	"github.com/marcohefti/hostipc/internal/transport"
)

func TestPurgeStaleUsesDefaultTimeout(t *testing.T) {
	c, _, clock := newTestClient(t)
	call := c.Send("codestream/slow", nil)

	clock.Advance(59 * time.Second)
	require.Empty(t, c.PurgeStale())
	require.Equal(t, 1, c.Pending())

	clock.Advance(2 * time.Second)
	groups := c.PurgeStale()
	require.Len(t, groups, 1)
	require.Equal(t, "codestream/slow", groups[0].Method)
	require.Equal(t, []string{call.ID}, groups[0].IDs)
	require.Zero(t, c.Pending())

	_, err := wait(t, call)
	e, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorTimeout, e.Kind)
	require.Equal(t, TimedOutMessage, e.Message)
}

func TestResponseJustBeforeTimeoutIsNeverReaped(t *testing.T) {
	var reports []StaleGroup
	c, _, clock := newTestClient(t, WithStaleReporter(func(g StaleGroup) {
		reports = append(reports, g)
	}))
	call := c.Send("codestream/echo", nil, WithTimeout(10*time.Second))

	clock.Advance(10*time.Second - time.Millisecond)
	c.HandleMessage(protocol.Message{ID: call.ID, Params: json.RawMessage(`{"value":42}`)})

	clock.Advance(time.Minute)
	require.Empty(t, c.PurgeStale())
	require.Empty(t, reports)
	require.Zero(t, c.Pending())

	resp, settled, err := call.Result()
	require.True(t, settled)
	require.NoError(t, err)
	require.JSONEq(t, `{"value":42}`, string(resp.Params))
}

func TestPerRequestTimeoutOverride(t *testing.T) {
	c, _, clock := newTestClient(t)
	short := c.Send("m/short", nil, WithTimeout(5*time.Second))
	long := c.Send("m/long", nil)

	clock.Advance(6 * time.Second)
	require.Len(t, c.CollectStale(clock.Now()), 1)
	require.Equal(t, 2, c.Pending(), "CollectStale must not remove entries")

	c.PurgeStale()
	_, err := wait(t, short)
	require.True(t, IsKind(err, ErrorTimeout))
	_, settled, _ := long.Result()
	require.False(t, settled)
	require.Equal(t, 1, c.Pending())
}

func TestPurgeGroupsByMethodAndReportsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	var reports []StaleGroup
	c, _, clock := newTestClient(t, WithLogger(logger), WithStaleReporter(func(g StaleGroup) {
		reports = append(reports, g)
	}))

	first := clock.Now()
	c.Send("codestream/a", nil)
	clock.Advance(time.Second)
	c.Send("codestream/a", nil)
	c.Send("codestream/b", nil)

	clock.Advance(2 * time.Minute)
	c.PurgeStale()

	require.Len(t, reports, 2)
	require.Equal(t, "codestream/a", reports[0].Method)
	require.Equal(t, 2, reports[0].Count())
	require.True(t, reports[0].Oldest.Equal(first))
	require.Equal(t, "codestream/b", reports[1].Method)

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, "level=ERROR"))
	require.Contains(t, out, "purging 2 stale requests for codestream/a with oldest "+first.UTC().Format(time.RFC3339Nano))
}

func TestPurgeSkipsMalformedIDs(t *testing.T) {
	c, _, clock := newTestClient(t)
	c.mu.Lock()
	c.pending["host:7"] = &pendingRequest{call: newCall("host:7", "m"), method: "m"}
	c.pending["wv:1:x:notanumber"] = &pendingRequest{call: newCall("wv:1:x:notanumber", "m"), method: "m"}
	c.mu.Unlock()

	clock.Advance(time.Hour)
	require.NotPanics(t, func() { c.PurgeStale() })
	require.Equal(t, 2, c.Pending())
}

func TestRunReaperSweepsOnInterval(t *testing.T) {
	c, _, clock := newTestClient(t, WithReaperInterval(5*time.Millisecond))
	call := c.Send("m/x", nil)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunReaper(ctx)

	_, err := wait(t, call)
	require.True(t, IsKind(err, ErrorTimeout))
}

func echoPeer(port transport.Port) {
	port.OnMessage(func(m protocol.Message) {
		if m.IsRequest() {
			_ = port.PostMessage(protocol.Message{ID: m.ID, Params: m.Params})
		}
	})
}

func TestEndToEndEcho(t *testing.T) {
	local, remote := transport.Pipe()
	defer local.Close()
	defer remote.Close()
	echoPeer(remote)

	c := New(local)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Request(ctx, "codestream/echo", map[string]int{"value": 42})
	require.NoError(t, err)
	require.JSONEq(t, `{"value":42}`, string(resp.Params))
	require.Zero(t, c.Pending())
}

func TestEndToEndConcurrentEcho(t *testing.T) {
	local, remote := transport.Pipe()
	defer local.Close()
	defer remote.Close()
	echoPeer(remote)

	c := New(local)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			resp, err := c.Request(ctx, "codestream/echo", i)
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			var got int
			if err := json.Unmarshal(resp.Params, &got); err != nil || got != i {
				t.Errorf("request %d: got %s", i, resp.Params)
			}
		}(i)
	}
	wg.Wait()
	require.Zero(t, c.Pending())
}

func TestEndToEndTimeout(t *testing.T) {
	local, remote := transport.Pipe()
	defer local.Close()
	defer remote.Close()
	remote.OnMessage(func(protocol.Message) {})

	clock := &fakeClock{t: time.UnixMilli(1700000000000)}
	c := New(local, WithClock(clock.Now))
	defer c.Close()

	call := c.Send("codestream/never", nil, WithTimeout(100*time.Millisecond))
	clock.Advance(61 * time.Second)
	c.PurgeStale()

	_, err := wait(t, call)
	e, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorTimeout, e.Kind)
	require.Equal(t, "codestream/never", e.Method)
}
