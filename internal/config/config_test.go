package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cdbengine/internal/logging"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec := cfg.EngineConfig()
	assert.Equal(t, "<cdbext>", ec.ExtensionPrefix)
	assert.Equal(t, "<token>", ec.TokenPrefix)
	assert.Equal(t, "!cdbext.", ec.ExtensionCommandPrefix)
	assert.NotEmpty(t, ec.InitCommands)
	assert.Equal(t, logging.LevelInfo, cfg.LogLevel())
}

func TestDecode_TOML(t *testing.T) {
	cfg := Default()
	err := cfg.Decode("cdbengine.toml", []byte(`
[debugger]
path = "C:/Debuggers/cdb.exe"
args = ["-lines", "app.exe"]

[session]
init_commands = [".lines"]
stop_at_entry = true

[breakpoints]
file = "breakpoints.toml"
`))
	require.NoError(t, err)

	assert.Equal(t, "C:/Debuggers/cdb.exe", cfg.Debugger.Path)
	assert.Equal(t, []string{"-lines", "app.exe"}, cfg.Debugger.Args)
	assert.Equal(t, []string{".lines"}, cfg.Session.InitCommands)
	assert.True(t, cfg.Session.StopAtEntry)
	assert.True(t, cfg.Session.RefreshModules, "absent keys keep defaults")
	assert.Equal(t, "<token>", cfg.Protocol.TokenPrefix)
	assert.Equal(t, "breakpoints.toml", cfg.Breakpoints.File)
}

func TestDecode_YAML(t *testing.T) {
	cfg := Default()
	err := cfg.Decode("cdbengine.yaml", []byte(`
debugger:
  remote: true
logging:
  level: debug
  json: true
metrics:
  listen: "127.0.0.1:9464"
`))
	require.NoError(t, err)

	assert.True(t, cfg.Debugger.Remote)
	assert.Equal(t, "cdb", cfg.Debugger.Path)
	assert.Equal(t, logging.LevelDebug, cfg.LogLevel())
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
}

func TestDecode_Errors(t *testing.T) {
	cfg := Default()

	assert.ErrorIs(t, cfg.Decode("cfg.ini", nil), ErrUnsupportedFormat)

	err := cfg.Decode("cfg.toml", []byte("[debugger\n"))
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "cfg.toml", perr.Path)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"CDBENGINE_DEBUGGER_PATH":    "/opt/cdb",
		"CDBENGINE_INIT_COMMANDS":    ".lines; sxe av ;",
		"CDBENGINE_STOP_AT_ENTRY":    "true",
		"CDBENGINE_METRICS_ADDR":     ":9464",
		"CDBENGINE_LOG_LEVEL":        "warn",
		"CDBENGINE_BREAKPOINTS_FILE": "bp.yaml",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/opt/cdb", cfg.Debugger.Path)
	assert.Equal(t, []string{".lines", "sxe av"}, cfg.Session.InitCommands)
	assert.True(t, cfg.Session.StopAtEntry)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)
	assert.Equal(t, logging.LevelWarn, cfg.LogLevel())
	assert.Equal(t, "bp.yaml", cfg.Breakpoints.File)

	err = cfg.ApplyEnv(envMap(map[string]string{"CDBENGINE_DEBUGGER_REMOTE": "maybe"}))
	assert.ErrorContains(t, err, "CDBENGINE_DEBUGGER_REMOTE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty path", func(c *Config) { c.Debugger.Path = "" }, "debugger.path"},
		{"bad timeout", func(c *Config) { c.Debugger.ShutdownTimeout = "soon" }, "shutdown_timeout"},
		{"negative timeout", func(c *Config) { c.Debugger.ShutdownTimeout = "-1s" }, "shutdown_timeout"},
		{"same prefixes", func(c *Config) { c.Protocol.TokenPrefix = c.Protocol.ExtensionPrefix }, "must differ"},
		{"quoted token prefix", func(c *Config) { c.Protocol.TokenPrefix = `<"t>` }, "quotes"},
		{"empty prefix", func(c *Config) { c.Protocol.ExtensionCommandPrefix = "" }, "prefixes"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad listen", func(c *Config) { c.Metrics.Listen = "9464" }, "metrics.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrValidationFailed)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_WatchWithoutFile(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Breakpoints.Watch)
}

func TestShutdownTimeout(t *testing.T) {
	cfg := Default()
	d, err := cfg.ShutdownTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	cfg.Debugger.ShutdownTimeout = ""
	d, err = cfg.ShutdownTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdbengine.toml")
	require.NoError(t, os.WriteFile(path, []byte("[debugger]\npath = \"/from/file\"\n"), 0o644))

	t.Setenv("CDBENGINE_DEBUGGER_PATH", "/from/env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Debugger.Path)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	t.Setenv("CDBENGINE_LOG_LEVEL", "loud")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrValidationFailed)
}
