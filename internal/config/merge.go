package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Flags are the command line overrides. Empty values do not override.
type Flags struct {
	ConfigPath   string
	Listen       string
	AgentCommand string
	DiagDB       string
	LogLevel     string
}

type Merged struct {
	Config

	// Sources lists the layers applied, lowest precedence first. Informational.
	Sources []string `json:"sources"`
	// ProjectPath is the project or --config file that was loaded, if any.
	ProjectPath string `json:"projectPath,omitempty"`
}

// Load merges, lowest precedence first: defaults, the global file
// (~/.hostipc/config.*), the project file (hostipc.* in the working
// directory, or flags.ConfigPath), HOSTIPC_* env vars and finally flags.
func Load(flags Flags) (Merged, error) {
	return load(flags, os.Getenv)
}

func load(flags Flags, getenv func(string) string) (Merged, error) {
	res := Merged{Config: withDiagDefault(Default()), Sources: []string{"default"}}

	globalPath, err := DefaultGlobalConfigPath()
	if err != nil {
		return Merged{}, err
	}
	if _, err := os.Stat(globalPath); err == nil {
		if err := DecodeFile(&res.Config, globalPath); err != nil {
			return Merged{}, fmt.Errorf("global config %s: %w", globalPath, err)
		}
		res.Sources = append(res.Sources, globalPath)
	}

	projectPath := strings.TrimSpace(flags.ConfigPath)
	if projectPath == "" {
		if p, ok := FindProjectConfig("."); ok {
			projectPath = p
		}
	}
	if projectPath != "" {
		if err := DecodeFile(&res.Config, projectPath); err != nil {
			return Merged{}, fmt.Errorf("project config %s: %w", projectPath, err)
		}
		res.Sources = append(res.Sources, projectPath)
		res.ProjectPath = projectPath
	}

	applied, err := applyEnv(&res.Config, getenv)
	if err != nil {
		return Merged{}, err
	}
	res.Sources = append(res.Sources, applied...)

	if applyFlags(&res.Config, flags) {
		res.Sources = append(res.Sources, "flags")
	}
	if err := res.Validate(); err != nil {
		return Merged{}, err
	}
	return res, nil
}

func applyFlags(cfg *Config, flags Flags) bool {
	changed := false
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
			changed = true
		}
	}
	set(&cfg.Listen, flags.Listen)
	set(&cfg.Agent.Command, flags.AgentCommand)
	set(&cfg.Diag.DB, flags.DiagDB)
	set(&cfg.Log.Level, flags.LogLevel)
	return changed
}

// withDiagDefault places the diagnostics database in the global directory.
func withDiagDefault(cfg Config) Config {
	if dir, err := GlobalDir(); err == nil {
		cfg.Diag.DB = filepath.Join(dir, "diag.db")
	}
	return cfg
}

type envBinding struct {
	name  string
	apply func(cfg *Config, v string) error
	get   func(cfg *Config) string
}

func stringEnv(name string, field func(*Config) *string) envBinding {
	return envBinding{
		name: name,
		apply: func(cfg *Config, v string) error {
			*field(cfg) = v
			return nil
		},
		get: func(cfg *Config) string { return *field(cfg) },
	}
}

func durationEnv(name string, field func(*Config) *Duration) envBinding {
	return envBinding{
		name: name,
		apply: func(cfg *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			field(cfg).Duration = d
			return nil
		},
		get: func(cfg *Config) string { return field(cfg).String() },
	}
}

func intEnv(name string, field func(*Config) *int) envBinding {
	return envBinding{
		name: name,
		apply: func(cfg *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*field(cfg) = n
			return nil
		},
		get: func(cfg *Config) string { return strconv.Itoa(*field(cfg)) },
	}
}

var envBindings = []envBinding{
	stringEnv("HOSTIPC_LISTEN", func(c *Config) *string { return &c.Listen }),
	stringEnv("HOSTIPC_PATH", func(c *Config) *string { return &c.Path }),
	stringEnv("HOSTIPC_AGENT_COMMAND", func(c *Config) *string { return &c.Agent.Command }),
	durationEnv("HOSTIPC_AGENT_SHUTDOWN_TIMEOUT", func(c *Config) *Duration { return &c.Agent.ShutdownTimeout }),
	durationEnv("HOSTIPC_REAPER_INTERVAL", func(c *Config) *Duration { return &c.Reaper.Interval }),
	durationEnv("HOSTIPC_REAPER_DEFAULT_TIMEOUT", func(c *Config) *Duration { return &c.Reaper.DefaultTimeout }),
	durationEnv("HOSTIPC_RATE_WINDOW", func(c *Config) *Duration { return &c.RateGuard.Window }),
	intEnv("HOSTIPC_RATE_THRESHOLD", func(c *Config) *int { return &c.RateGuard.Threshold }),
	{
		name: "HOSTIPC_RATE_EXEMPT",
		apply: func(c *Config, v string) error {
			c.RateGuard.Exempt = splitCSV(v)
			return nil
		},
		get: func(c *Config) string { return strings.Join(c.RateGuard.Exempt, ",") },
	},
	intEnv("HOSTIPC_PANEL_QUEUE_THRESHOLD", func(c *Config) *int { return &c.Panel.QueueThreshold }),
	durationEnv("HOSTIPC_PANEL_READY_TIMEOUT", func(c *Config) *Duration { return &c.Panel.ReadyTimeout }),
	stringEnv("HOSTIPC_LOG_LEVEL", func(c *Config) *string { return &c.Log.Level }),
	stringEnv("HOSTIPC_LOG_FORMAT", func(c *Config) *string { return &c.Log.Format }),
	stringEnv("HOSTIPC_DIAG_DB", func(c *Config) *string { return &c.Diag.DB }),
}

// EnvMap renders cfg as the HOSTIPC_* variables that would reproduce it.
// Empty values are omitted.
func EnvMap(cfg Config) map[string]string {
	out := make(map[string]string, len(envBindings))
	for _, b := range envBindings {
		if v := b.get(&cfg); v != "" {
			out[b.name] = v
		}
	}
	return out
}

// EnvNames lists every environment variable Load reads.
func EnvNames() []string {
	out := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		out = append(out, b.name)
	}
	return out
}

func applyEnv(cfg *Config, getenv func(string) string) ([]string, error) {
	var applied []string
	for _, b := range envBindings {
		v := strings.TrimSpace(getenv(b.name))
		if v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return nil, fmt.Errorf("env %s: %w", b.name, err)
		}
		applied = append(applied, "env:"+b.name)
	}
	return applied, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
