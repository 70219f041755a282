package doctor

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/marcohefti/hostipc/internal/config"
	"github.com/marcohefti/hostipc/internal/diag"
	"github.com/marcohefti/hostipc/internal/redact"
)

type Check struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type Result struct {
	OK      bool     `json:"ok"`
	Sources []string `json:"sources"`
	Checks  []Check  `json:"checks"`
}

func (r *Result) add(c Check) {
	if !c.OK {
		r.OK = false
	}
	r.Checks = append(r.Checks, c)
}

// Run checks that serve could start with the merged configuration. A config
// that does not load is returned as an error, everything else as checks.
func Run(ctx context.Context, flags config.Flags) (Result, error) {
	m, err := config.Load(flags)
	if err != nil {
		return Result{}, err
	}
	res := Result{OK: true, Sources: m.Sources}
	res.add(Check{ID: "config", OK: true})

	res.add(checkRedaction(m.Redaction))
	res.add(checkDiag(ctx, m.Diag.DB))
	res.add(checkAgent(m.AgentArgv()))
	res.add(checkListen(m.Listen))
	return res, nil
}

func checkRedaction(rules []config.RedactionRule) Check {
	defer redact.Reset()
	for _, rule := range rules {
		if err := redact.Register(rule.ID, rule.Regex, rule.Replacement); err != nil {
			return Check{ID: "redaction_rules", OK: false, Message: err.Error()}
		}
	}
	return Check{ID: "redaction_rules", OK: true}
}

func checkDiag(ctx context.Context, path string) Check {
	if path == "" {
		return Check{ID: "diag_store", OK: true, Message: "disabled"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Check{ID: "diag_store", OK: false, Message: err.Error()}
	}
	store, err := diag.Open(path)
	if err != nil {
		return Check{ID: "diag_store", OK: false, Message: err.Error()}
	}
	defer store.Close()
	if _, err := store.Recent(ctx, 1); err != nil {
		return Check{ID: "diag_store", OK: false, Message: err.Error()}
	}
	return Check{ID: "diag_store", OK: true, Message: path}
}

func checkAgent(argv []string) Check {
	if len(argv) == 0 {
		return Check{ID: "agent_command", OK: true, Message: "no agent configured (requests to codestream/* will fail)"}
	}
	p, err := exec.LookPath(argv[0])
	if err != nil {
		return Check{ID: "agent_command", OK: false, Message: err.Error()}
	}
	return Check{ID: "agent_command", OK: true, Message: p}
}

func checkListen(addr string) Check {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return Check{ID: "listen", OK: false, Message: addr + " is in use (is serve already running?)"}
		}
		return Check{ID: "listen", OK: false, Message: err.Error()}
	}
	_ = ln.Close()
	return Check{ID: "listen", OK: true, Message: addr}
}
