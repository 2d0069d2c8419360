package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		level   string
		enabled zapcore.Level
		off     zapcore.Level
	}{
		{level: "debug", enabled: zapcore.DebugLevel},
		{level: "info", enabled: zapcore.InfoLevel, off: zapcore.DebugLevel},
		{level: "WARN", enabled: zapcore.WarnLevel, off: zapcore.InfoLevel},
	}
	for _, c := range cases {
		t.Run(c.level, func(t *testing.T) {
			l, err := New(c.level)
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(c.enabled))
			if c.enabled != zapcore.DebugLevel {
				assert.False(t, l.Core().Enabled(c.off))
			}
		})
	}

	_, err := New("loud")
	assert.ErrorContains(t, err, "parsing log level")
}
