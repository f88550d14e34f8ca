package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snowmerak/mediaserver/lib/errs"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "debug", want: zapcore.DebugLevel},
		{in: "info", want: zapcore.InfoLevel},
		{in: "WARN", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLoggerConfig(t *testing.T) {
	cfg, err := NewLoggerConfig(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.Encoding)
	assert.True(t, cfg.DisableStacktrace)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level.Level())

	_, err = NewLoggerConfig(Config{Level: "info", Encoding: "xml"})
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, err := New("server", Config{Level: "debug", Encoding: "json", Output: path})
	require.NoError(t, err)

	logger.Debug("module loaded", zap.String("module", "status"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"module loaded"`)
	assert.Contains(t, string(data), `"module":"status"`)
	assert.Contains(t, string(data), `"logger":"server"`)
	assert.Contains(t, string(data), `"level":"DEBUG"`)
}
