package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/cdbengine/internal/logging"
)

// Errors returned by configuration loading.
var (
	ErrFileNotFound      = errors.New("config file not found")
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrValidationFailed  = errors.New("validation failed")
)

// ParseError describes a configuration file that could not be decoded.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	var problems []string

	if c.Debugger.Path == "" {
		problems = append(problems, "debugger.path is empty")
	}
	if _, err := c.ShutdownTimeout(); err != nil {
		problems = append(problems, fmt.Sprintf("debugger.shutdown_timeout: %v", err))
	}

	p := c.Protocol
	if p.ExtensionPrefix == "" || p.TokenPrefix == "" || p.ExtensionCommandPrefix == "" {
		problems = append(problems, "protocol prefixes must not be empty")
	}
	if p.ExtensionPrefix != "" && p.ExtensionPrefix == p.TokenPrefix {
		problems = append(problems, "protocol.extension_prefix and protocol.token_prefix must differ")
	}
	if strings.ContainsAny(p.TokenPrefix, "\"\n") {
		problems = append(problems, "protocol.token_prefix must not contain quotes or newlines")
	}

	if c.Breakpoints.Watch && c.Breakpoints.File == "" {
		// Nothing to watch; not an error.
		c.Breakpoints.Watch = false
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level: %v", err))
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			problems = append(problems, fmt.Sprintf("metrics.listen: %v", err))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ShutdownTimeout parses debugger.shutdown_timeout.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	if c.Debugger.ShutdownTimeout == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Debugger.ShutdownTimeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// envBinding maps a variable name (without prefix) to a setter.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func stringSetter(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func listSetter(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var items []string
		for _, s := range strings.Split(v, ";") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		*field(c) = items
		return nil
	}
}

var envBindings = []envBinding{
	{"DEBUGGER_PATH", stringSetter(func(c *Config) *string { return &c.Debugger.Path })},
	{"DEBUGGER_REMOTE", boolSetter(func(c *Config) *bool { return &c.Debugger.Remote })},
	{"SHUTDOWN_TIMEOUT", stringSetter(func(c *Config) *string { return &c.Debugger.ShutdownTimeout })},
	{"INIT_COMMANDS", listSetter(func(c *Config) *[]string { return &c.Session.InitCommands })},
	{"STOP_AT_ENTRY", boolSetter(func(c *Config) *bool { return &c.Session.StopAtEntry })},
	{"REFRESH_REGISTERS", boolSetter(func(c *Config) *bool { return &c.Session.RefreshRegisters })},
	{"REFRESH_MODULES", boolSetter(func(c *Config) *bool { return &c.Session.RefreshModules })},
	{"BREAKPOINTS_FILE", stringSetter(func(c *Config) *string { return &c.Breakpoints.File })},
	{"BREAKPOINTS_WATCH", boolSetter(func(c *Config) *bool { return &c.Breakpoints.Watch })},
	{"LOG_LEVEL", stringSetter(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_JSON", boolSetter(func(c *Config) *bool { return &c.Logging.JSON })},
	{"LOG_FILE", stringSetter(func(c *Config) *string { return &c.Logging.File })},
	{"METRICS_ADDR", stringSetter(func(c *Config) *string { return &c.Metrics.Listen })},
}

// ApplyEnv overrides fields from CDBENGINE_* variables. Lists are separated
// by semicolons.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}
