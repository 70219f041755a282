package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/marcohefti/hostipc/internal/codes"
	"github.com/marcohefti/hostipc/internal/config"
	"github.com/marcohefti/hostipc/internal/doctor"
)

func (r Runner) runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "config file (default hostipc.* in the working directory)")
	listen := fs.String("listen", "", "listen address to probe")
	agent := fs.String("agent", "", "agent command line to resolve")
	jsonOut := fs.Bool("json", false, "print JSON output")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("doctor: invalid flags")
	}
	if *help {
		printDoctorHelp(r.Stdout)
		return 0
	}

	res, err := doctor.Run(r.Context, config.Flags{ConfigPath: *configPath, Listen: *listen, AgentCommand: *agent})
	if err != nil {
		return r.fail(codes.Config, err)
	}
	code := 0
	if !res.OK {
		code = 1
	}
	if *jsonOut {
		if c := r.writeJSON(res); c != 0 {
			return c
		}
		return code
	}
	for _, c := range res.Checks {
		status := "ok"
		if !c.OK {
			status = "FAIL"
		}
		if c.Message != "" {
			fmt.Fprintf(r.Stdout, "doctor: %-16s %-4s %s\n", c.ID, status, c.Message)
		} else {
			fmt.Fprintf(r.Stdout, "doctor: %-16s %s\n", c.ID, status)
		}
	}
	return code
}

func printDoctorHelp(w io.Writer) {
	fmt.Fprint(w, `Usage:
  hostipc doctor [--config hostipc.yaml] [--listen addr] [--agent "cmd args"] [--json]
`)
}
