package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcohefti/hostipc/internal/codes"
	"github.com/marcohefti/hostipc/internal/hostapi"
)

type Runner struct {
	Version string
	Now     func() time.Time
	Stdout  io.Writer
	Stderr  io.Writer
	// Context bounds long running commands. serve also stops on SIGINT and
	// SIGTERM.
	Context context.Context
}

func (r Runner) Run(args []string) int {
	if r.Stdout == nil {
		r.Stdout = os.Stdout
	}
	if r.Stderr == nil {
		r.Stderr = os.Stderr
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.Context == nil {
		r.Context = context.Background()
	}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printRootHelp(r.Stdout)
		return 0
	}

	switch args[0] {
	case "serve":
		return r.runServe(args[1:])
	case "call":
		return r.runCall(args[1:])
	case "diag":
		return r.runDiag(args[1:])
	case "config":
		return r.runConfig(args[1:])
	case "doctor":
		return r.runDoctor(args[1:])
	case "version":
		fmt.Fprintf(r.Stdout, "%s\n", r.Version)
		return 0
	default:
		fmt.Fprintf(r.Stderr, "%s: unknown command %q\n", codes.Usage, args[0])
		printRootHelp(r.Stderr)
		return 2
	}
}

func (r Runner) signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(r.Context, os.Interrupt, syscall.SIGTERM)
}

func (r Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(r.Stderr, "%s: failed to encode json\n", codes.IO)
		return 1
	}
	return 0
}

func (r Runner) failUsage(msg string) int {
	fmt.Fprintf(r.Stderr, "%s: %s\n", codes.Usage, msg)
	return 2
}

// fail reports a runtime error. Typed hostapi errors print their own code.
func (r Runner) fail(code string, err error) int {
	if e, ok := hostapi.AsError(err); ok && e.Code != "" {
		msg := e.Message
		if e.Underlying != nil {
			msg += ": " + e.Underlying.Error()
		}
		fmt.Fprintf(r.Stderr, "%s: %s\n", e.Code, msg)
		return 1
	}
	fmt.Fprintf(r.Stderr, "%s: %s\n", code, err.Error())
	return 1
}

func printRootHelp(w io.Writer) {
	fmt.Fprint(w, `hostipc (host/webview IPC bridge)

Usage:
  hostipc serve [--listen addr] [--config path] [--agent "cmd args"] [--diag-db path]
  hostipc call --url ws://127.0.0.1:7766/ipc --method <method> [--params json] [--timeout 10s] [--notify] [--json]
  hostipc diag [--db path] [--limit 20] [--json]
  hostipc diag prune [--db path] [--max-age 720h] [--max-rows 10000] [--dry-run] [--json]
  hostipc doctor [--config path] [--json]
  hostipc config [--config path] --json
  hostipc config init [--path hostipc.yaml] --json
  hostipc config env [--format sh|dotenv]

Commands:
  serve     Run the host bridge: WebSocket panels routed to an agent process.
  call      Send one request (or notification) through a running bridge.
  diag      List persisted stale-request, rate and orphan reports, or prune them.
  doctor    Check config, diagnostics store, agent command and listen address.
  config    Print the merged configuration, create a project file or print env.
  version   Print version.
`)
}
