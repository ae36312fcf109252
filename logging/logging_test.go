package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/commonlog"

	"github.com/najoast/msgkit/config"
)

func TestVerbosity(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  commonlog.Level
	}{
		{config.LogLevelNone, commonlog.None},
		{config.LogLevelError, commonlog.Error},
		{config.LogLevelWarn, commonlog.Warning},
		{config.LogLevelInfo, commonlog.Info},
		{config.LogLevelDebug, commonlog.Debug},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			v, err := Verbosity(tt.level)
			require.NoError(t, err)
			assert.Equal(t, tt.want, commonlog.VerbosityToMaxLevel(v))
		})
	}

	_, err := Verbosity("chatty")
	assert.ErrorIs(t, err, config.ErrInvalidLogLevel)
}

func TestConfigure(t *testing.T) {
	require.NoError(t, Configure(config.LogConfig{Level: config.LogLevelWarn, Output: "stderr"}))
	assert.Equal(t, commonlog.Warning, commonlog.GetMaxLevel())
	assert.False(t, commonlog.AllowLevel(commonlog.Info, "msgkit", "test"))

	t.Run("OnlyFirstCallApplies", func(t *testing.T) {
		require.NoError(t, Configure(config.LogConfig{Level: config.LogLevelDebug}))
		assert.Equal(t, commonlog.Warning, commonlog.GetMaxLevel())
		assert.False(t, commonlog.AllowLevel(commonlog.Debug, "msgkit", "test"))
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "msgkit.log")
		require.NoError(t, Configure(config.LogConfig{Level: config.LogLevelInfo, Output: path}))
		assert.FileExists(t, path)
	})

	t.Run("UnwritableFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing", "msgkit.log")
		assert.Error(t, Configure(config.LogConfig{Level: config.LogLevelInfo, Output: path}))
	})

	assert.Error(t, Configure(config.LogConfig{Level: "loud"}))
}
