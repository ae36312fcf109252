// Package logging configures the commonlog backend shared by all msgkit
// packages from a config.LogConfig.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/najoast/msgkit/config"
)

// Verbosity maps a configured level to a commonlog verbosity.
func Verbosity(level config.LogLevel) (int, error) {
	switch level {
	case config.LogLevelNone:
		return -4, nil
	case config.LogLevelError:
		return -2, nil
	case config.LogLevelWarn:
		return -1, nil
	case config.LogLevelInfo:
		return 1, nil
	case config.LogLevelDebug:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, level)
	}
}

var configureOnce sync.Once

// Configure applies cfg to the process-wide backend. Output "stderr" or ""
// logs to standard error; anything else is a file path that is appended to.
// Only the first successful call configures the backend, later calls just
// validate cfg.
func Configure(cfg config.LogConfig) error {
	verbosity, err := Verbosity(cfg.Level)
	if err != nil {
		return err
	}

	var path *string
	output := strings.TrimSpace(cfg.Output)
	if output != "" && !strings.EqualFold(output, "stderr") {
		// The simple backend exits the process when it cannot open its file.
		f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log output: %w", err)
		}
		f.Close()
		path = &output
	}

	configureOnce.Do(func() {
		commonlog.Configure(verbosity, path)
	})
	return nil
}
