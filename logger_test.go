package edgepurge

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_LevelsAndFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Debugf("hidden %d", 1)
	require.Zero(t, buf.Len())

	l.Warnf("purge failed: site=%s n=%d", "1", 3)
	var rec map[string]any
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "WARN", rec["level"])
	require.Equal(t, "purge failed: site=1 n=3", rec["msg"])
}

func TestLoggers_SatisfyInterface(t *testing.T) {
	var _ Logger = NewFmtLogger()
	var _ Logger = NewSlogLogger(nil)
	var _ Logger = noopLogger{}
	noopLogger{}.Errorf("dropped %v", "x")
}
