package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/marcohefti/hostipc/internal/codes"
	"github.com/marcohefti/hostipc/internal/config"
	"github.com/marcohefti/hostipc/internal/logging"
)

const shutdownGrace = 5 * time.Second

func (r Runner) runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	listen := fs.String("listen", "", "listen address (default 127.0.0.1:7766)")
	configPath := fs.String("config", "", "config file (default hostipc.* in the working directory)")
	agent := fs.String("agent", "", "agent command line, split on whitespace")
	diagDB := fs.String("diag-db", "", "diagnostics sqlite file")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("serve: invalid flags")
	}
	if *help {
		printServeHelp(r.Stdout)
		return 0
	}
	if fs.NArg() > 0 {
		printServeHelp(r.Stderr)
		return r.failUsage(fmt.Sprintf("serve: unexpected argument %q", fs.Arg(0)))
	}

	flags := config.Flags{
		ConfigPath:   *configPath,
		Listen:       *listen,
		AgentCommand: *agent,
		DiagDB:       *diagDB,
		LogLevel:     *logLevel,
	}
	merged, err := config.Load(flags)
	if err != nil {
		return r.fail(codes.Config, err)
	}
	logger, err := logging.New(r.Stderr, merged.Log.Level, merged.Log.Format)
	if err != nil {
		return r.fail(codes.Config, err)
	}
	if err := applyRedaction(merged.Redaction); err != nil {
		return r.fail(codes.Config, err)
	}

	ctx, stop := r.signalContext()
	defer stop()

	b, err := newBridge(merged.Config, logger, r.Version)
	if err != nil {
		return r.fail(codes.Diag, err)
	}
	closeBridge := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := b.Close(shutdownCtx); err != nil {
			logger.Warn("serve: shutdown incomplete", "err", err)
		}
	}
	if err := b.startAgent(ctx); err != nil {
		closeBridge()
		return r.fail(codes.Agent, err)
	}

	ln, err := net.Listen("tcp", merged.Listen)
	if err != nil {
		closeBridge()
		return r.fail(codes.IO, fmt.Errorf("serve: listen %s: %w", merged.Listen, err))
	}
	mux := http.NewServeMux()
	mux.Handle(merged.Path, b)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logger.Info("serve: listening",
		"url", "ws://"+ln.Addr().String()+merged.Path,
		"agent", merged.Agent.Command,
		"diag", merged.Diag.DB,
		"sources", merged.Sources,
	)

	if merged.ProjectPath != "" {
		w, err := config.Watch(ctx, merged.ProjectPath, func() {
			next, err := config.Load(flags)
			if err != nil {
				logger.Warn("serve: ignoring config change", "path", merged.ProjectPath, "err", err)
				return
			}
			b.applyConfig(next.Config)
		})
		if err != nil {
			logger.Warn("serve: config reload disabled", "path", merged.ProjectPath, "err", err)
		} else {
			defer w.Close()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	logger.Info("serve: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	closeBridge()

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		return r.fail(codes.IO, runErr)
	}
	return 0
}

func printServeHelp(w io.Writer) {
	fmt.Fprint(w, `Usage:
  hostipc serve [--listen 127.0.0.1:7766] [--config hostipc.yaml] [--agent "node agent.js --stdio"] [--diag-db ~/.hostipc/diag.db] [--log-level info]

Webviews connect with a WebSocket to ws://<listen><path>. codestream/* requests
are forwarded to the agent, host/* requests are answered by the bridge.
`)
}
