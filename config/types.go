// Package config provides configuration management for msgkit applications
package config

import (
	"fmt"
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelNone  LogLevel = "none"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelNone, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config represents the complete msgkit configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app" toml:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log" toml:"log"`

	// Looper defaults
	Looper LooperConfig `yaml:"looper" json:"looper" toml:"looper"`

	// Link transport between processes
	Transport TransportConfig `yaml:"transport" json:"transport" toml:"transport"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name, also the name of the application looper
	Name string `yaml:"name" json:"name" toml:"name"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment" toml:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug" toml:"debug"`

	// Time allowed for loopers to finish when the application stops
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" toml:"shutdown_timeout"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level" toml:"level"`

	// Output destination (stderr or a file path)
	Output string `yaml:"output" json:"output" toml:"output"`
}

// LooperConfig contains defaults for new loopers
type LooperConfig struct {
	// Capacity of a looper's port
	PortCapacity int `yaml:"port_capacity" json:"port_capacity" toml:"port_capacity"`

	// Default timeout of SendAndWait when the caller passes zero
	ReplyTimeout time.Duration `yaml:"reply_timeout" json:"reply_timeout" toml:"reply_timeout"`
}

// TransportConfig contains link configuration
type TransportConfig struct {
	// Address to accept links on; empty disables listening
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Addresses of peers to link to at startup
	Peers []string `yaml:"peers,omitempty" json:"peers,omitempty" toml:"peers,omitempty"`

	// Handshake timeout
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout" toml:"handshake_timeout"`

	// Frame write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`

	// Maximum frame payload in bytes
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size" toml:"max_frame_size"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:            "application",
			Environment:     EnvDevelopment,
			Debug:           false,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Output: "stderr",
		},
		Looper: LooperConfig{
			PortCapacity: 200,
			ReplyTimeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			ListenAddress:    "",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     30 * time.Second,
			MaxFrameSize:     MaxFrameSize,
		},
	}
}

// MaxFrameSize is the largest frame size a configuration may ask for.
const MaxFrameSize = 64 * 1024 * 1024

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}
	if c.App.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout %s", ErrInvalidTimeout, c.App.ShutdownTimeout)
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}

	// Validate looper config
	if c.Looper.PortCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPortCapacity, c.Looper.PortCapacity)
	}
	if c.Looper.ReplyTimeout <= 0 {
		return fmt.Errorf("%w: reply timeout %s", ErrInvalidTimeout, c.Looper.ReplyTimeout)
	}

	// Validate transport config
	if c.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake timeout %s", ErrInvalidTimeout, c.Transport.HandshakeTimeout)
	}
	if c.Transport.WriteTimeout < 0 {
		return fmt.Errorf("%w: write timeout %s", ErrInvalidTimeout, c.Transport.WriteTimeout)
	}
	if c.Transport.MaxFrameSize <= 0 || c.Transport.MaxFrameSize > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrInvalidFrameSize, c.Transport.MaxFrameSize)
	}
	for _, peer := range c.Transport.Peers {
		if peer == "" {
			return fmt.Errorf("%w: empty peer address", ErrInvalidAddress)
		}
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.Log.Level == LogLevelDebug
}
