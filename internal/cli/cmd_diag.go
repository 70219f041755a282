package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/marcohefti/hostipc/internal/codes"
	"github.com/marcohefti/hostipc/internal/config"
	"github.com/marcohefti/hostipc/internal/diag"
)

type diagList struct {
	DB      string        `json:"db"`
	Reports []diag.Report `json:"reports"`
}

func (r Runner) runDiag(args []string) int {
	if len(args) > 0 && args[0] == "prune" {
		return r.runDiagPrune(args[1:])
	}
	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	db := fs.String("db", "", "diagnostics sqlite file (default from config)")
	limit := fs.Int("limit", 20, "maximum reports, newest first")
	jsonOut := fs.Bool("json", false, "print JSON output")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("diag: invalid flags")
	}
	if *help {
		printDiagHelp(r.Stdout)
		return 0
	}
	if *limit <= 0 {
		return r.failUsage("diag: --limit must be positive")
	}

	path, code := r.diagPath(*db, "diag")
	if code != 0 {
		return code
	}

	out := diagList{DB: path, Reports: []diag.Report{}}
	if _, err := os.Stat(path); err == nil {
		store, err := diag.Open(path)
		if err != nil {
			return r.fail(codes.Diag, err)
		}
		defer store.Close()
		reports, err := store.Recent(r.Context, *limit)
		if err != nil {
			return r.fail(codes.Diag, err)
		}
		if reports != nil {
			out.Reports = reports
		}
	} else if !os.IsNotExist(err) {
		return r.fail(codes.IO, err)
	}

	if *jsonOut {
		return r.writeJSON(out)
	}
	if len(out.Reports) == 0 {
		fmt.Fprintf(r.Stdout, "diag: no reports in %s\n", path)
		return 0
	}
	for _, rep := range out.Reports {
		fmt.Fprintf(r.Stdout, "%s  %-6s  %-40s  %5d  %s\n",
			rep.CreatedAt.Format(time.RFC3339), rep.Kind, rep.Method, rep.Count, rep.Message)
	}
	return 0
}

func (r Runner) diagPath(flagValue, cmd string) (string, int) {
	path := strings.TrimSpace(flagValue)
	if path == "" {
		merged, err := config.Load(config.Flags{})
		if err != nil {
			return "", r.fail(codes.Config, err)
		}
		path = merged.Diag.DB
	}
	if path == "" {
		return "", r.failUsage(cmd + ": no database configured (set --db or diag.db)")
	}
	return path, 0
}

func (r Runner) runDiagPrune(args []string) int {
	fs := flag.NewFlagSet("diag prune", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	db := fs.String("db", "", "diagnostics sqlite file (default from config)")
	maxAge := fs.Duration("max-age", 30*24*time.Hour, "delete reports older than this (0 disables)")
	maxRows := fs.Int("max-rows", 10000, "keep at most this many reports (0 disables)")
	dryRun := fs.Bool("dry-run", false, "report what would be deleted")
	jsonOut := fs.Bool("json", false, "print JSON output")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("diag prune: invalid flags")
	}
	if *help {
		printDiagHelp(r.Stdout)
		return 0
	}
	if *maxAge < 0 || *maxRows < 0 {
		return r.failUsage("diag prune: limits must not be negative")
	}
	path, code := r.diagPath(*db, "diag prune")
	if code != 0 {
		return code
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if *jsonOut {
			return r.writeJSON(diag.RetentionResult{OK: true, DryRun: *dryRun})
		}
		fmt.Fprintf(r.Stdout, "diag prune: %s does not exist\n", path)
		return 0
	}

	store, err := diag.Open(path)
	if err != nil {
		return r.fail(codes.Diag, err)
	}
	defer store.Close()
	res, err := store.Apply(r.Context, diag.Retention{MaxAge: *maxAge, MaxRows: *maxRows, DryRun: *dryRun, Now: r.Now()})
	if err != nil {
		return r.fail(codes.Diag, err)
	}
	if *jsonOut {
		return r.writeJSON(res)
	}
	fmt.Fprintf(r.Stdout, "diag prune: deleted %d by age, %d by count, %d left (dryRun=%v)\n",
		res.ByAge, res.ByCount, res.TotalAfter, res.DryRun)
	return 0
}

func printDiagHelp(w io.Writer) {
	fmt.Fprint(w, `Usage:
  hostipc diag [--db ~/.hostipc/diag.db] [--limit 20] [--json]
  hostipc diag prune [--db ~/.hostipc/diag.db] [--max-age 720h] [--max-rows 10000] [--dry-run] [--json]
`)
}
