package breakpoints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cdbengine/internal/debug/engine"
)

func boolPtr(b bool) *bool { return &b }

func states(s *Store) map[string]engine.BreakpointState {
	m := make(map[string]engine.BreakpointState)
	for _, r := range s.Snapshot() {
		m[r.ID] = r.State
	}
	return m
}

// settleAll acknowledges every pending entry the way the engine does.
func settleAll(s *Store) {
	for i, r := range s.Snapshot() {
		switch r.State {
		case engine.BreakpointRemoveRequested:
			s.NotifyRemoveOk(r.ID)
		case engine.BreakpointInsertRequested:
			s.NotifyInsertProceeding(r.ID)
			s.NotifyInsertOk(r.ID, engine.BreakpointResponse{EngineID: i + 1, Enabled: r.Enabled})
		case engine.BreakpointChangeRequested:
			s.NotifyChangeOk(r.ID, engine.BreakpointResponse{EngineID: i + 1, Enabled: r.Enabled})
		}
	}
}

func TestDecode(t *testing.T) {
	tomlData := []byte(`
[[breakpoint]]
file = "src/main.c"
line = 12

[[breakpoint]]
function = "app!parse_args"
enabled = false
ignore_count = 2
`)
	yamlData := []byte(`
breakpoints:
  - file: src/main.c
    line: 12
  - function: app!parse_args
    enabled: false
    ignore_count: 2
`)
	want := []Entry{
		{File: "src/main.c", Line: 12},
		{Function: "app!parse_args", Enabled: boolPtr(false), IgnoreCount: 2},
	}

	for _, tt := range []struct {
		path string
		data []byte
	}{
		{"bp.toml", tomlData},
		{"bp.yaml", yamlData},
		{"bp.YML", yamlData},
	} {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Decode(tt.path, tt.data)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.True(t, got[0].IsEnabled())
			assert.False(t, got[1].IsEnabled())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("bp.json", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Decode("bp.toml", []byte(`[[breakpoint`))
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, "bp.toml", perr.Path)

	_, err = Decode("bp.toml", []byte("[[breakpoint]]\nfile = \"a.c\"\n"))
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = Decode("bp.yaml", []byte("breakpoints:\n  - function: f\n    address: \"0x1\"\n"))
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	entries, err := Load(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	path := filepath.Join(dir, "bp.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[breakpoint]]\naddress = \"0x401000\"\n"), 0o644))
	entries, err = Load(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.BreakpointAddress, entries[0].Kind())
	assert.Equal(t, "addr:0x401000", entries[0].Key())
}

func TestStore_ReloadDiff(t *testing.T) {
	s := NewStore()

	assert.True(t, s.Reload([]Entry{
		{File: "a.c", Line: 1},
		{File: "b.c", Line: 2},
		{Function: "main"},
	}))
	assert.Equal(t, map[string]engine.BreakpointState{
		"a.c:1":     engine.BreakpointInsertRequested,
		"b.c:2":     engine.BreakpointInsertRequested,
		"func:main": engine.BreakpointInsertRequested,
	}, states(s))

	settleAll(s)
	assert.False(t, s.Reload([]Entry{{File: "a.c", Line: 1}, {File: "b.c", Line: 2}, {Function: "main"}}))

	assert.True(t, s.Reload([]Entry{
		{File: "a.c", Line: 1},
		{File: "b.c", Line: 2, Enabled: boolPtr(false)},
		{File: "c.c", Line: 3},
	}))
	assert.Equal(t, map[string]engine.BreakpointState{
		"a.c:1":     engine.BreakpointInserted,
		"b.c:2":     engine.BreakpointChangeRequested,
		"func:main": engine.BreakpointRemoveRequested,
		"c.c:3":     engine.BreakpointInsertRequested,
	}, states(s))
	assert.Equal(t, engine.SyncFull, engine.ClassifyBreakpoints(s.Snapshot()))

	settleAll(s)
	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("func:main")
	assert.False(t, ok)
}

func TestStore_RemoveBeforeInsertForgets(t *testing.T) {
	s := NewStore()
	s.Reload([]Entry{{File: "a.c", Line: 1}})

	assert.False(t, s.Reload(nil))
	assert.Zero(t, s.Len())
}

func TestStore_RemovedThenRestored(t *testing.T) {
	s := NewStore()
	s.Reload([]Entry{{File: "a.c", Line: 1}})
	settleAll(s)

	s.Reload(nil)
	assert.Equal(t, engine.BreakpointRemoveRequested, states(s)["a.c:1"])

	assert.True(t, s.Reload([]Entry{{File: "a.c", Line: 1}}))
	assert.Equal(t, engine.BreakpointChangeRequested, states(s)["a.c:1"])
}

func TestStore_ConsoleEdits(t *testing.T) {
	s := NewStore()

	id, err := s.Add(Entry{Function: "main"})
	require.NoError(t, err)
	assert.Equal(t, "func:main", id)

	_, err = s.Add(Entry{})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	settleAll(s)
	rec, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, rec.EngineID)

	assert.True(t, s.SetEnabled(id, false))
	assert.Equal(t, engine.BreakpointChangeRequested, states(s)[id])
	assert.False(t, s.SetEnabled("nope", false))

	assert.True(t, s.Remove(id))
	assert.False(t, s.Remove(id), "already pending removal")
	assert.False(t, s.SetEnabled(id, true))
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    Entry
		wantErr bool
	}{
		{in: "main.c:12", want: Entry{File: "main.c", Line: 12}},
		{in: `C:\src\main.c:7`, want: Entry{File: `C:\src\main.c`, Line: 7}},
		{in: "0x401000", want: Entry{Address: "0x401000"}},
		{in: "app!main", want: Entry{Function: "app!main"}},
		{in: "main.c:0", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_DrivesEngineSync(t *testing.T) {
	s := NewStore()
	s.Reload([]Entry{{File: "main.c", Line: 12}})

	var out writerFunc = func(p []byte) (int, error) { return len(p), nil }
	eng := engine.New(out, engine.Config{}, engine.WithBreakpointModel(s))
	eng.HandleOutput([]byte("<cdbext>|N|-1|session_accessible|\n"))

	rec, ok := s.Get("main.c:12")
	require.True(t, ok)
	assert.Equal(t, engine.BreakpointInserted, rec.State)
	assert.Equal(t, 1, rec.EngineID)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
