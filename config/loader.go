// Package config provides configuration loading and parsing functionality
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
	FormatTOML ConfigFormat = "toml"
)

// FormatFromPath determines the format from a file extension
func FormatFromPath(path string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Base names tried in every search path
	baseNames []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "/etc/msgkit"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".msgkit"))
	}
	return &Loader{
		searchPaths:   paths,
		baseNames:     []string{"msgkit", "config"},
		envPrefix:     "MSGKIT",
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file. An empty filename
// yields the defaults. Environment overrides are applied last.
func (l *Loader) Load(filename string) (*Config, error) {
	config := l.defaults()

	if filename != "" {
		format, err := FormatFromPath(filename)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filename)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		}
		if err := decode(data, format, config); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
		}
	}

	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config := l.defaults()
	if err := decode(data, format, config); err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad searches the search paths for a configuration file and loads
// it, falling back to the defaults when none exists
func (l *Loader) AutoLoad() (*Config, error) {
	path, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.Load("")
	}
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	extensions := []string{".yaml", ".yml", ".toml", ".json"}

	for _, searchPath := range l.searchPaths {
		for _, base := range l.baseNames {
			for _, ext := range extensions {
				fullPath := filepath.Join(searchPath, base+ext)
				if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
					return fullPath, nil
				}
			}
		}
	}

	return "", ErrConfigFileNotFound
}

func (l *Loader) defaults() *Config {
	base := l.defaultConfig
	if base == nil {
		base = DefaultConfig()
	}
	config := *base
	config.Transport.Peers = append([]string(nil), base.Transport.Peers...)
	return &config
}

func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// decode parses data on top of config, so absent fields keep their
// current values
func decode(data []byte, format ConfigFormat, config *Config) error {
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, config)
	case FormatJSON:
		// JSON is read as YAML so durations take the same "10s" form
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(config); errors.Is(err, io.EOF) {
			err = nil
		}
	case FormatTOML:
		_, err = toml.Decode(string(data), config)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigParseError, format, err)
	}
	return nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	env := func(name string) (string, bool) {
		val, ok := os.LookupEnv(l.envPrefix + "_" + name)
		return val, ok && val != ""
	}

	// App configuration
	if val, ok := env("APP_NAME"); ok {
		config.App.Name = val
	}
	if val, ok := env("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	if val, ok := env("APP_DEBUG"); ok {
		config.App.Debug = strings.ToLower(val) == "true"
	}
	if val, ok := env("APP_SHUTDOWN_TIMEOUT"); ok {
		d, err := parseDuration("APP_SHUTDOWN_TIMEOUT", val)
		if err != nil {
			return err
		}
		config.App.ShutdownTimeout = d
	}

	// Log configuration
	if val, ok := env("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	if val, ok := env("LOG_OUTPUT"); ok {
		config.Log.Output = val
	}

	// Looper configuration
	if val, ok := env("LOOPER_PORT_CAPACITY"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: LOOPER_PORT_CAPACITY=%q", ErrEnvironmentVarError, val)
		}
		config.Looper.PortCapacity = n
	}
	if val, ok := env("LOOPER_REPLY_TIMEOUT"); ok {
		d, err := parseDuration("LOOPER_REPLY_TIMEOUT", val)
		if err != nil {
			return err
		}
		config.Looper.ReplyTimeout = d
	}

	// Transport configuration
	if val, ok := env("TRANSPORT_LISTEN_ADDRESS"); ok {
		config.Transport.ListenAddress = val
	}
	if val, ok := env("TRANSPORT_PEERS"); ok {
		config.Transport.Peers = nil
		for _, peer := range strings.Split(val, ",") {
			if peer = strings.TrimSpace(peer); peer != "" {
				config.Transport.Peers = append(config.Transport.Peers, peer)
			}
		}
	}

	return nil
}

func parseDuration(name, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrEnvironmentVarError, name, val)
	}
	return d, nil
}
