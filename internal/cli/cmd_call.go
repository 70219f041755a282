package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/marcohefti/hostipc/internal/codes"
	"github.com/marcohefti/hostipc/internal/hostapi"
	"github.com/marcohefti/hostipc/internal/ids"
	"github.com/marcohefti/hostipc/internal/protocol"
	"github.com/marcohefti/hostipc/internal/transport"
)

type callResult struct {
	OK          bool            `json:"ok"`
	Method      string          `json:"method"`
	Notify      bool            `json:"notify,omitempty"`
	Maintenance bool            `json:"maintenance,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	DurationMs  int64           `json:"durationMs"`
}

func (r Runner) runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	url := fs.String("url", "ws://127.0.0.1:7766/ipc", "bridge WebSocket url")
	method := fs.String("method", "", "method name (required)")
	params := fs.String("params", "", "params as JSON")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	notify := fs.Bool("notify", false, "send a notification and do not wait")
	jsonOut := fs.Bool("json", false, "print JSON output")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("call: invalid flags")
	}
	if *help {
		printCallHelp(r.Stdout)
		return 0
	}
	if strings.TrimSpace(*method) == "" {
		printCallHelp(r.Stderr)
		return r.failUsage("call: --method is required")
	}
	if *timeout <= 0 {
		return r.failUsage("call: --timeout must be positive")
	}
	var raw json.RawMessage
	if p := strings.TrimSpace(*params); p != "" {
		if !json.Valid([]byte(p)) {
			return r.failUsage("call: --params is not valid JSON")
		}
		raw = json.RawMessage(p)
	}

	ctx, cancel := context.WithTimeout(r.Context, *timeout)
	defer cancel()

	ws, err := transport.DialWebSocket(ctx, *url)
	if err != nil {
		return r.fail(codes.Transport, err)
	}
	defer ws.Close()
	client := newWebviewClient(ws, *timeout)
	defer client.Close()
	ws.Start()

	// Announce readiness so the bridge flushes anything it queued for us.
	if err := client.Notify(protocol.MethodWebviewDidInitialize, nil); err != nil {
		return r.fail(codes.Transport, err)
	}

	start := r.Now()
	res := callResult{OK: true, Method: *method, Notify: *notify}
	if *notify {
		if err := client.Notify(*method, raw); err != nil {
			return r.fail(codes.Transport, err)
		}
	} else {
		resp, err := client.Request(ctx, *method, raw, hostapi.WithTimeout(*timeout))
		if err != nil {
			if ctx.Err() != nil {
				err = hostapi.WrapError(hostapi.ErrorTimeout, "no response for "+*method+" within "+timeout.String(), err)
			}
			if !*jsonOut {
				return r.fail(codes.Remote, err)
			}
			res.OK = false
			res.Error = hostapi.EncodeError(err)
		}
		res.Result = resp.Params
		res.Maintenance = resp.Maintenance
	}
	res.DurationMs = r.Now().Sub(start).Milliseconds()

	if *jsonOut {
		if code := r.writeJSON(res); code != 0 || res.OK {
			return code
		}
		return 1
	}
	switch {
	case *notify:
		fmt.Fprintf(r.Stdout, "call: notified %s\n", *method)
	case res.Maintenance:
		fmt.Fprintf(r.Stdout, "call: %s: agent is in maintenance mode\n", *method)
	case len(res.Result) == 0:
		fmt.Fprintln(r.Stdout, "null")
	default:
		fmt.Fprintln(r.Stdout, string(res.Result))
	}
	return 0
}

// newWebviewClient builds the client the way a webview does: "cli" ids and
// document uris in host notifications normalized at subscribe time.
func newWebviewClient(port transport.Port, timeout time.Duration) *hostapi.Client {
	return hostapi.New(port,
		hostapi.WithGenerator(ids.NewGenerator("cli")),
		hostapi.WithDefaultTimeout(timeout),
		hostapi.WithNormalizers(protocol.HostNormalizers()),
	)
}

func printCallHelp(w io.Writer) {
	fmt.Fprint(w, `Usage:
  hostipc call --method <method> [--url ws://127.0.0.1:7766/ipc] [--params '{"k":"v"}'] [--timeout 10s] [--notify] [--json]
`)
}
