package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Duration is a time.Duration written as a string ("60s", "1m30s") in every
// config format.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func Dur(v time.Duration) Duration { return Duration{Duration: v} }

type AgentConfig struct {
	Command         string   `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout" toml:"shutdownTimeout"`
}

type ReaperConfig struct {
	Interval       Duration `json:"interval" yaml:"interval" toml:"interval"`
	DefaultTimeout Duration `json:"defaultTimeout" yaml:"defaultTimeout" toml:"defaultTimeout"`
}

type RateGuardConfig struct {
	Window    Duration `json:"window" yaml:"window" toml:"window"`
	Threshold int      `json:"threshold" yaml:"threshold" toml:"threshold"`
	Exempt    []string `json:"exempt,omitempty" yaml:"exempt,omitempty" toml:"exempt,omitempty"`
}

type PanelConfig struct {
	QueueThreshold int      `json:"queueThreshold" yaml:"queueThreshold" toml:"queueThreshold"`
	ReadyTimeout   Duration `json:"readyTimeout" yaml:"readyTimeout" toml:"readyTimeout"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

type DiagConfig struct {
	// DB is the sqlite file for diagnostics reports. Empty disables the store.
	DB string `json:"db" yaml:"db" toml:"db"`
}

// RedactionRule adds a pattern scrubbed from logged payloads.
type RedactionRule struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Regex       string `json:"regex" yaml:"regex" toml:"regex"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty" toml:"replacement,omitempty"`
}

type Config struct {
	Listen    string          `json:"listen" yaml:"listen" toml:"listen"`
	Path      string          `json:"path" yaml:"path" toml:"path"`
	Agent     AgentConfig     `json:"agent" yaml:"agent" toml:"agent"`
	Reaper    ReaperConfig    `json:"reaper" yaml:"reaper" toml:"reaper"`
	RateGuard RateGuardConfig `json:"rateGuard" yaml:"rateGuard" toml:"rateGuard"`
	Panel     PanelConfig     `json:"panel" yaml:"panel" toml:"panel"`
	Log       LogConfig       `json:"log" yaml:"log" toml:"log"`
	Diag      DiagConfig      `json:"diag" yaml:"diag" toml:"diag"`
	Redaction []RedactionRule `json:"redaction,omitempty" yaml:"redaction,omitempty" toml:"redaction,omitempty"`
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:7766",
		Path:   "/ipc",
		Agent:  AgentConfig{ShutdownTimeout: Dur(3 * time.Second)},
		Reaper: ReaperConfig{
			Interval:       Dur(60 * time.Second),
			DefaultTimeout: Dur(60 * time.Second),
		},
		RateGuard: RateGuardConfig{Window: Dur(15 * time.Second), Threshold: 20},
		Panel:     PanelConfig{QueueThreshold: 100, ReadyTimeout: Dur(30 * time.Second)},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// AgentArgv splits the agent command line on whitespace. Quoting is not
// interpreted.
func (c Config) AgentArgv() []string {
	return strings.Fields(c.Agent.Command)
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Listen) == "" {
		problems = append(problems, "listen is empty")
	}
	if !strings.HasPrefix(c.Path, "/") {
		problems = append(problems, "path must start with /")
	}
	for name, d := range map[string]Duration{
		"agent.shutdownTimeout": c.Agent.ShutdownTimeout,
		"reaper.interval":       c.Reaper.Interval,
		"reaper.defaultTimeout": c.Reaper.DefaultTimeout,
		"rateGuard.window":      c.RateGuard.Window,
		"panel.readyTimeout":    c.Panel.ReadyTimeout,
	} {
		if d.Duration <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.RateGuard.Window.Duration > 0 && c.RateGuard.Window.Duration < time.Second {
		problems = append(problems, "rateGuard.window must be at least 1s")
	}
	if c.RateGuard.Threshold <= 0 {
		problems = append(problems, "rateGuard.threshold must be positive")
	}
	if c.Panel.QueueThreshold <= 0 {
		problems = append(problems, "panel.queueThreshold must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug|info|warn|error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text|json", c.Log.Format))
	}
	for i, r := range c.Redaction {
		if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Regex) == "" {
			problems = append(problems, fmt.Sprintf("redaction[%d] needs id and regex", i))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
