package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"chatty", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audioq.log")
	l, err := NewLogger(LogConfig{Level: "info", File: path})
	require.NoError(t, err)

	l.Info("job finished")
	l.Debug("not written")
	_ = l.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"job finished"`)
	assert.NotContains(t, string(b), "not written")
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestInitLoggers(t *testing.T) {
	origCLI, origServer := CLILogger, ServerLogger
	defer func() { CLILogger, ServerLogger = origCLI, origServer }()

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, InitServerLogger("test", LogConfig{Level: "warn", Format: "console"}))
	assert.False(t, ServerLogger.Core().Enabled(zapcore.InfoLevel))
}

func TestRotatingWriter_DefaultSize(t *testing.T) {
	w := RotatingWriter(LogConfig{File: "x.log"})
	assert.Equal(t, 50, w.MaxSize)
}
