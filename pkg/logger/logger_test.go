package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{level: "debug", want: zapcore.DebugLevel},
		{level: "info", want: zapcore.InfoLevel},
		{level: "warn", want: zapcore.WarnLevel},
		{level: "error", want: zapcore.ErrorLevel},
		{level: "unknown", want: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			t.Parallel()

			for _, format := range []string{"json", "console"} {
				l, err := New(tt.level, format)
				require.NoError(t, err)
				assert.True(t, l.Core().Enabled(tt.want))
				if tt.want > zapcore.DebugLevel {
					assert.False(t, l.Core().Enabled(tt.want-1))
				}
			}
		})
	}
}
