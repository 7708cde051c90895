// Package breakpoints provides a file-backed breakpoint model.
//
// Breakpoints are listed in a TOML or YAML file:
//
//	[[breakpoint]]
//	file = "src/main.c"
//	line = 12
//
//	[[breakpoint]]
//	function = "app!parse_args"
//	enabled = false
//
// The Store diffs each reload against what the debugger already has and
// marks entries for insertion, change or removal. A Watcher reports edits
// to the file.
package breakpoints

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/cdbengine/internal/debug/engine"
)

// Errors returned when reading breakpoint files.
var (
	ErrUnsupportedFormat = errors.New("unsupported breakpoint file format")
	ErrInvalidEntry      = errors.New("invalid breakpoint entry")
)

// Entry is one breakpoint as written in the file.
type Entry struct {
	File        string `toml:"file,omitempty" yaml:"file,omitempty"`
	Line        int    `toml:"line,omitempty" yaml:"line,omitempty"`
	Function    string `toml:"function,omitempty" yaml:"function,omitempty"`
	Address     string `toml:"address,omitempty" yaml:"address,omitempty"`
	Enabled     *bool  `toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	IgnoreCount int    `toml:"ignore_count,omitempty" yaml:"ignore_count,omitempty"`
}

// document is the on-disk layout shared by both formats.
type document struct {
	TOML []Entry `toml:"breakpoint" yaml:"-"`
	YAML []Entry `toml:"-" yaml:"breakpoints"`
}

// IsEnabled reports whether the entry is enabled. Entries are enabled unless
// stated otherwise.
func (e Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Kind returns the location kind of the entry.
func (e Entry) Kind() engine.BreakpointKind {
	switch {
	case e.File != "":
		return engine.BreakpointFileLine
	case e.Function != "":
		return engine.BreakpointFunction
	default:
		return engine.BreakpointAddress
	}
}

// Key identifies the entry's location. Two entries with the same key are the
// same breakpoint.
func (e Entry) Key() string {
	switch e.Kind() {
	case engine.BreakpointFileLine:
		return filepath.ToSlash(e.File) + ":" + strconv.Itoa(e.Line)
	case engine.BreakpointFunction:
		return "func:" + e.Function
	default:
		return "addr:" + strings.ToLower(e.Address)
	}
}

// Validate checks that exactly one location form is given.
func (e Entry) Validate() error {
	forms := 0
	if e.File != "" {
		forms++
		if e.Line <= 0 {
			return fmt.Errorf("%w: %s needs a positive line", ErrInvalidEntry, e.File)
		}
	}
	if e.Function != "" {
		forms++
	}
	if e.Address != "" {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("%w: need exactly one of file, function, address", ErrInvalidEntry)
	}
	if e.IgnoreCount < 0 {
		return fmt.Errorf("%w: negative ignore_count", ErrInvalidEntry)
	}
	return nil
}

func (e Entry) record(id string) engine.BreakpointRecord {
	return engine.BreakpointRecord{
		ID:          id,
		Enabled:     e.IsEnabled(),
		Kind:        e.Kind(),
		File:        e.File,
		Line:        e.Line,
		Function:    e.Function,
		Address:     e.Address,
		IgnoreCount: e.IgnoreCount,
	}
}

// ParseError describes a breakpoint file that could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse breakpoints %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Decode parses breakpoint entries. The format is chosen by the extension
// of path: .toml, .yaml or .yml.
func Decode(path string, data []byte) ([]Entry, error) {
	var doc document
	var entries []Entry

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		entries = doc.TOML
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		entries = doc.YAML
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, &ParseError{Path: path, Err: fmt.Errorf("entry %d: %w", i+1, err)}
		}
	}
	return entries, nil
}

// Load reads breakpoint entries from path. A missing file holds no entries.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading breakpoints %s: %w", path, err)
	}
	return Decode(path, data)
}
