package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/marcohefti/hostipc/internal/codes"
	"github.com/marcohefti/hostipc/internal/config"
)

func (r Runner) runConfig(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "init":
			return r.runConfigInit(args[1:])
		case "env":
			return r.runConfigEnv(args[1:])
		}
	}

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file (default hostipc.* in the working directory)")
	jsonOut := fs.Bool("json", false, "print JSON output")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("config: invalid flags")
	}
	if *help {
		printConfigHelp(r.Stdout)
		return 0
	}
	if !*jsonOut {
		printConfigHelp(r.Stderr)
		return r.failUsage("config: require --json for stable output")
	}
	merged, err := config.Load(config.Flags{ConfigPath: *configPath})
	if err != nil {
		return r.fail(codes.Config, err)
	}
	return r.writeJSON(merged)
}

func (r Runner) runConfigInit(args []string) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("path", config.ProjectConfigNames[0], "file to create (.yaml, .yml, .toml or .json)")
	jsonOut := fs.Bool("json", false, "print JSON output")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("config init: invalid flags")
	}
	if *help {
		printConfigHelp(r.Stdout)
		return 0
	}
	res, err := config.InitProject(*path)
	if err != nil {
		return r.fail(codes.Config, err)
	}
	if *jsonOut {
		return r.writeJSON(res)
	}
	if res.Created {
		fmt.Fprintf(r.Stdout, "config init: wrote %s\n", res.ConfigPath)
	} else {
		fmt.Fprintf(r.Stdout, "config init: %s already exists and is valid\n", res.ConfigPath)
	}
	return 0
}

func (r Runner) runConfigEnv(args []string) int {
	fs := flag.NewFlagSet("config env", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file (default hostipc.* in the working directory)")
	format := fs.String("format", "sh", "sh|dotenv")
	help := fs.Bool("help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return r.failUsage("config env: invalid flags")
	}
	if *help {
		printConfigHelp(r.Stdout)
		return 0
	}
	merged, err := config.Load(config.Flags{ConfigPath: *configPath})
	if err != nil {
		return r.fail(codes.Config, err)
	}
	out, ok := formatEnv(config.EnvMap(merged.Config), *format)
	if !ok {
		return r.failUsage(fmt.Sprintf("config env: unknown format %q", *format))
	}
	fmt.Fprint(r.Stdout, out)
	return 0
}

func printConfigHelp(w io.Writer) {
	fmt.Fprint(w, `Usage:
  hostipc config [--config hostipc.yaml] --json
  hostipc config init [--path hostipc.yaml] [--json]
  hostipc config env [--config hostipc.yaml] [--format sh|dotenv]
`)
}
