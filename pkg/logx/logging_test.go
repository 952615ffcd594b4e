package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m), "line: %s", line)
		out = append(out, m)
	}
	return out
}

func TestLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))

	log.Debug("hidden")
	log.Info("sent", String("recipient", "+15551234567"), Int("attempt", 2), Err(errors.New("boom")))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	got := lines[0]
	assert.Equal(t, "info", got["level"])
	assert.Equal(t, "sent", got["message"])
	assert.Equal(t, "dispatch", got["comp"])
	assert.Equal(t, "+15551234567", got["recipient"])
	assert.EqualValues(t, 2, got["attempt"])
	assert.Equal(t, "boom", got["err"])
	assert.Contains(t, got["caller"], "logging_test.go:")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Error("nothing", String("k", "v")) })
	assert.False(t, Nop().IsZero())
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Debug("first")
	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped by level")
	log.Warn("second")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0]["message"])
	assert.Equal(t, "second", lines[1]["message"])
	assert.Equal(t, "warn", svc.Config().Level)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}
