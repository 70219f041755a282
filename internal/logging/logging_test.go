package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelChangesAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "warn", "text")
	require.NoError(t, err)

	l.Info("hidden")
	require.NoError(t, l.SetLevel("debug"))
	l.Debug("shown", "k", "v")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "msg=shown k=v")
	require.Equal(t, slog.LevelDebug, l.Level())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "info", "json")
	require.NoError(t, err)
	l.Info("hello")
	require.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestRejectsUnknownValues(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", "text")
	require.Error(t, err)
	_, err = New(&bytes.Buffer{}, "info", "xml")
	require.Error(t, err)
	require.Error(t, Discard().SetLevel("nope"))
}
