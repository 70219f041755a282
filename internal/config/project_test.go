package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeFormats(t *testing.T) {
	cases := map[string]string{
		".yaml": "reaper:\n  defaultTimeout: 90s\nrateGuard:\n  exempt: [codestream/x]\n",
		".toml": "[reaper]\ndefaultTimeout = \"90s\"\n[rateGuard]\nexempt = [\"codestream/x\"]\n",
		".json": `{"reaper":{"defaultTimeout":"90s"},"rateGuard":{"exempt":["codestream/x"]}}`,
	}
	for ext, raw := range cases {
		cfg := Default()
		require.NoError(t, Decode(&cfg, []byte(raw), ext), ext)
		require.Equal(t, 90*time.Second, cfg.Reaper.DefaultTimeout.Duration, ext)
		require.Equal(t, 60*time.Second, cfg.Reaper.Interval.Duration, ext)
		require.Equal(t, []string{"codestream/x"}, cfg.RateGuard.Exempt, ext)
	}

	cfg := Default()
	require.Error(t, Decode(&cfg, []byte("unknown = 1\n"), ".toml"))
	require.Error(t, Decode(&cfg, []byte(`{"reaper":{"interval":"fast"}}`), ".json"))
	require.Error(t, Decode(&cfg, []byte("x"), ".ini"))
}

func TestEncodeRoundTrips(t *testing.T) {
	for _, ext := range []string{".yaml", ".toml", ".json"} {
		b, err := Encode(Default(), ext)
		require.NoError(t, err, ext)
		var cfg Config
		require.NoError(t, Decode(&cfg, b, ext), ext)
		require.Equal(t, Default(), cfg, ext)
	}
}

func TestInitProject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostipc.yaml")

	res, err := InitProject(path)
	require.NoError(t, err)
	require.True(t, res.Created)

	res, err = InitProject(path)
	require.NoError(t, err)
	require.False(t, res.Created)

	p, ok := FindProjectConfig(dir)
	require.True(t, ok)
	require.Equal(t, path, p)
}

func TestAgentArgv(t *testing.T) {
	cfg := Default()
	cfg.Agent.Command = "  node  agent.js --stdio "
	require.Equal(t, []string{"node", "agent.js", "--stdio"}, cfg.AgentArgv())
}
