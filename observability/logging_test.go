package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{"defaults", DefaultLogConfig(), false},
		{"debug console stdout", LogConfig{Level: "debug", Format: "console", Output: "stdout"}, false},
		{"warn json", LogConfig{Level: "warn", Format: "json", Output: "stderr"}, false},
		{"invalid level", LogConfig{Level: "shout", Format: "json"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			logger.Debug("debug", String("k", "v"))
			logger.Info("info", Int("n", 1))
			withLogger := logger.With(String("component", "test"))
			assert.NotNil(t, withLogger)
			withLogger.Warn("warn")
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Info("discarded", Bool("ok", true))
	logger.Error("discarded too")
	assert.NoError(t, logger.Sync())
}
