package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ProjectConfigNames are looked up in the working directory, in order.
var ProjectConfigNames = []string{"hostipc.yaml", "hostipc.yml", "hostipc.toml", "hostipc.json"}

var globalConfigNames = []string{"config.toml", "config.yaml", "config.yml", "config.json"}

// GlobalDir is ~/.hostipc.
func GlobalDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hostipc"), nil
}

// DefaultGlobalConfigPath returns the first existing global config file, or
// the TOML path when none exists yet.
func DefaultGlobalConfigPath() (string, error) {
	dir, err := GlobalDir()
	if err != nil {
		return "", err
	}
	if p, ok := firstExisting(dir, globalConfigNames); ok {
		return p, nil
	}
	return filepath.Join(dir, globalConfigNames[0]), nil
}

// FindProjectConfig returns the project config file in dir, if any.
func FindProjectConfig(dir string) (string, bool) {
	return firstExisting(dir, ProjectConfigNames)
}

func firstExisting(dir string, names []string) (string, bool) {
	for _, name := range names {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// DecodeFile decodes path on top of cfg: keys absent from the file keep
// their current values. The format follows the file extension.
func DecodeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return Decode(cfg, raw, filepath.Ext(path))
}

func Decode(cfg *Config, raw []byte, ext string) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("invalid config yaml: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return fmt.Errorf("invalid config toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("invalid config toml: unknown key %s", undecoded[0].String())
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("invalid config json: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml, .toml or .json)", ext)
	}
	return nil
}

// Encode renders cfg in the format matching ext.
func Encode(cfg Config, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".json":
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
}

type InitResult struct {
	OK         bool   `json:"ok"`
	ConfigPath string `json:"configPath"`
	Created    bool   `json:"created"`
}

// InitProject writes a project config holding the defaults. An existing
// file is validated and left untouched.
func InitProject(path string) (*InitResult, error) {
	if strings.TrimSpace(path) == "" {
		path = ProjectConfigNames[0]
	}
	if _, err := os.Stat(path); err == nil {
		cfg := Default()
		if err := DecodeFile(&cfg, path); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("existing config %s: %w", path, err)
		}
		return &InitResult{OK: true, ConfigPath: path}, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	b, err := Encode(withDiagDefault(Default()), filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, b); err != nil {
		return nil, err
	}
	return &InitResult{OK: true, ConfigPath: path, Created: true}, nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()
	if _, err := f.Write(b); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
