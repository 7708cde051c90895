package breakpoints

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/cdbengine/internal/debug/engine"
)

type item struct {
	entry Entry
	rec   engine.BreakpointRecord
}

// Store is a breakpoint model keyed by location. It implements
// engine.BreakpointModel.
type Store struct {
	mu     sync.Mutex
	logger *slog.Logger

	items map[string]*item
	order []string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		items:  make(map[string]*item),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload replaces the store contents with entries. New locations are marked
// for insertion, changed settings for change and missing locations for
// removal. It reports whether anything needs synchronizing.
func (s *Store) Reload(entries []Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	changed := false
	for _, e := range entries {
		key := e.Key()
		seen[key] = true
		if s.put(key, e) {
			changed = true
		}
	}

	for _, key := range append([]string(nil), s.order...) {
		if seen[key] {
			continue
		}
		if s.drop(key) {
			changed = true
		}
	}

	s.logger.Debug("breakpoints reloaded", "entries", len(entries), "changed", changed)
	return changed
}

// Add adds or updates a single entry.
func (s *Store) Add(e Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.Key()
	s.put(key, e)
	return key, nil
}

// Remove marks the entry with id for removal.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drop(id)
}

// SetEnabled enables or disables the entry with id.
func (s *Store) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.rec.State == engine.BreakpointRemoveRequested {
		return false
	}
	e := it.entry
	e.Enabled = &enabled
	return s.put(id, e)
}

// put stores e under key and reports whether the debugger needs an update.
func (s *Store) put(key string, e Entry) bool {
	it, ok := s.items[key]
	if !ok {
		s.items[key] = &item{entry: e, rec: e.record(key)}
		s.items[key].rec.State = engine.BreakpointInsertRequested
		s.order = append(s.order, key)
		return true
	}

	rec := e.record(key)
	rec.EngineID = it.rec.EngineID
	same := rec.Enabled == it.rec.Enabled && rec.IgnoreCount == it.rec.IgnoreCount

	switch it.rec.State {
	case engine.BreakpointInsertRequested:
		rec.State = engine.BreakpointInsertRequested
	case engine.BreakpointRemoveRequested:
		rec.State = engine.BreakpointChangeRequested
		same = false
	default:
		rec.State = it.rec.State
		if !same {
			rec.State = engine.BreakpointChangeRequested
		}
	}

	it.entry = e
	it.rec = rec
	return !same
}

// drop marks key for removal, or forgets it if the debugger never saw it.
func (s *Store) drop(key string) bool {
	it, ok := s.items[key]
	if !ok {
		return false
	}
	switch it.rec.State {
	case engine.BreakpointRemoveRequested:
		return false
	case engine.BreakpointInsertRequested:
		s.forget(key)
		return false
	default:
		it.rec.State = engine.BreakpointRemoveRequested
		return true
	}
}

func (s *Store) forget(key string) {
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Snapshot returns all entries in the order they were added.
func (s *Store) Snapshot() []engine.BreakpointRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]engine.BreakpointRecord, 0, len(s.order))
	for _, key := range s.order {
		records = append(records, s.items[key].rec)
	}
	return records
}

// Get returns the entry with id.
func (s *Store) Get(id string) (engine.BreakpointRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return engine.BreakpointRecord{}, false
	}
	return it.rec, true
}

// Len returns the number of entries, including those pending removal.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// NotifyInsertProceeding records that the insert command for id was sent.
func (s *Store) NotifyInsertProceeding(id string) {
	s.logger.Debug("breakpoint insert proceeding", "id", id)
}

// NotifyInsertOk marks id inserted and stores the debugger's response.
func (s *Store) NotifyInsertOk(id string, resp engine.BreakpointResponse) {
	s.settle(id, resp)
}

// NotifyChangeOk marks a changed id inserted again.
func (s *Store) NotifyChangeOk(id string, resp engine.BreakpointResponse) {
	s.settle(id, resp)
}

// NotifyRemoveOk drops id once the debugger has cleared it.
func (s *Store) NotifyRemoveOk(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forget(id)
	s.logger.Debug("breakpoint removed", "id", id)
}

func (s *Store) settle(id string, resp engine.BreakpointResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		s.logger.Warn("response for unknown breakpoint", "id", id)
		return
	}
	it.rec.State = engine.BreakpointInserted
	it.rec.EngineID = resp.EngineID
	s.logger.Debug("breakpoint settled", "id", id, "engine_id", resp.EngineID,
		"enabled", resp.Enabled, "location", resp.Location)
}

// ParseLocation turns a console location into an entry. Accepted forms are
// "file:line", "0x<address>" and a function name.
func ParseLocation(s string) (Entry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Entry{}, fmt.Errorf("%w: empty location", ErrInvalidEntry)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return Entry{Address: s}, nil
	}
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		if line, err := strconv.Atoi(s[i+1:]); err == nil {
			e := Entry{File: s[:i], Line: line}
			return e, e.Validate()
		}
	}
	return Entry{Function: s}, nil
}

var _ engine.BreakpointModel = (*Store)(nil)
