package common

import (
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestInitLoggers(t *testing.T) {
	// several nodes in one process each set up logging
	require.NotPanics(t, func() {
		require.NoError(t, InitLoggers("warn"))
		require.NoError(t, InitLoggers("error"))
	})

	require.Error(t, InitLoggers("loud"))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logger.LogLevel
	}{
		{"debug", logger.DEBUG},
		{"", logger.INFO},
		{"WARN", logger.WARNING},
		{"error", logger.ERROR},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLogLevel(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, lvl)
		})
	}
}
