// Package config loads cdbengine configuration.
//
// Values are layered: built-in defaults, then a TOML or YAML file, then
// CDBENGINE_* environment variables. The result is validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/cdbengine/internal/debug/command"
	"github.com/dshills/cdbengine/internal/debug/engine"
	"github.com/dshills/cdbengine/internal/debug/wire"
	"github.com/dshills/cdbengine/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CDBENGINE_"

// Config is the complete configuration.
type Config struct {
	Debugger    DebuggerConfig    `toml:"debugger" yaml:"debugger"`
	Protocol    ProtocolConfig    `toml:"protocol" yaml:"protocol"`
	Session     SessionConfig     `toml:"session" yaml:"session"`
	Breakpoints BreakpointsConfig `toml:"breakpoints" yaml:"breakpoints"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics" yaml:"metrics"`
}

// DebuggerConfig locates the debugger executable.
type DebuggerConfig struct {
	Path string   `toml:"path" yaml:"path"`
	Args []string `toml:"args" yaml:"args"`

	// Remote sessions cannot be interrupted locally.
	Remote bool `toml:"remote" yaml:"remote"`

	// ShutdownTimeout is how long to wait for the debugger to quit, e.g. "5s".
	ShutdownTimeout string `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ProtocolConfig holds the wire markers shared with the debugger extension.
type ProtocolConfig struct {
	ExtensionPrefix        string `toml:"extension_prefix" yaml:"extension_prefix"`
	TokenPrefix            string `toml:"token_prefix" yaml:"token_prefix"`
	ExtensionCommandPrefix string `toml:"extension_command_prefix" yaml:"extension_command_prefix"`
}

// SessionConfig controls what happens after the debugger starts.
type SessionConfig struct {
	InitCommands     []string `toml:"init_commands" yaml:"init_commands"`
	RefreshRegisters bool     `toml:"refresh_registers" yaml:"refresh_registers"`
	RefreshModules   bool     `toml:"refresh_modules" yaml:"refresh_modules"`
	StopAtEntry      bool     `toml:"stop_at_entry" yaml:"stop_at_entry"`
}

// BreakpointsConfig points at the breakpoint file.
type BreakpointsConfig struct {
	File  string `toml:"file" yaml:"file"`
	Watch bool   `toml:"watch" yaml:"watch"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
	File  string `toml:"file" yaml:"file"`
}

// MetricsConfig configures the metrics endpoint. An empty address disables it.
type MetricsConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		Debugger: DebuggerConfig{
			Path:            "cdb",
			ShutdownTimeout: "5s",
		},
		Protocol: ProtocolConfig{
			ExtensionPrefix:        wire.DefaultExtensionPrefix,
			TokenPrefix:            wire.DefaultTokenPrefix,
			ExtensionCommandPrefix: command.DefaultExtensionCommandPrefix,
		},
		Session: SessionConfig{
			InitCommands:     ec.InitCommands,
			RefreshRegisters: ec.RefreshRegisters,
			RefreshModules:   ec.RefreshModules,
		},
		Breakpoints: BreakpointsConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the file at path (if not
// empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return c.Decode(path, data)
}

// Decode merges file contents into c. Keys absent from the file keep their
// current values. The format follows the file extension.
func (c *Config) Decode(path string, data []byte) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return nil
}

// EngineConfig converts the protocol and session sections for the engine.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		ExtensionPrefix:        c.Protocol.ExtensionPrefix,
		TokenPrefix:            c.Protocol.TokenPrefix,
		ExtensionCommandPrefix: c.Protocol.ExtensionCommandPrefix,
		InitCommands:           append([]string(nil), c.Session.InitCommands...),
		RefreshRegisters:       c.Session.RefreshRegisters,
		RefreshModules:         c.Session.RefreshModules,
		StopAtEntry:            c.Session.StopAtEntry,
	}
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}
