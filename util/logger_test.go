package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "", want: zapcore.InfoLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: "WARN", want: zapcore.WarnLevel},
		{in: "-1", want: zapcore.DebugLevel},
		{in: "2", want: zapcore.ErrorLevel},
		{in: "9", wantErr: true},
		{in: "loud", wantErr: true},
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

func TestNewLogger(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	lg, done, err := NewLogger(WithLevel("warn"), WithOutputPaths(out))
	require.NoError(t, err)
	assert.Same(t, lg, zap.L())
	assert.False(t, lg.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, lg.Core().Enabled(zapcore.WarnLevel))
	done()
	assert.NotSame(t, lg, zap.L())

	_, _, err = NewLogger(WithLevel("nope"))
	assert.Error(t, err)
}
