// Package settings holds the typed advanced-setting map: declared defaults,
// admin visibility and change notification.
package settings

import (
	"sort"
	"strings"
	"sync"

	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/pkg/logger"
)

// Recognized setting keys.
const (
	DatabaseInterval     = "DatabaseInterval"
	DatabaseVersion      = "DatabaseVersion"
	DefaultLimits        = "DefaultLimits"
	KeepTasks            = "KeepTasks"
	KeepUsers            = "KeepUsers"
	OnExitAction         = "OnExitAction"
	Plugins              = "Plugins"
	ServerAddress        = "ServerAddress"
	ServerMaxConnections = "ServerMaxConnections"
	ServerPort           = "ServerPort"
	ServerTimeout        = "ServerTimeout"
	TokenExpiration      = "TokenExpiration"
)

type declared struct {
	value     string
	adminOnly bool
}

// defaults is the declared-default table. Keys are stored lowercased; the
// canonical spelling lives in the constants above.
var defaults = map[string]declared{
	strings.ToLower(DatabaseInterval):     {"86400000", true},
	strings.ToLower(DatabaseVersion):      {store.SchemaVersion, true},
	strings.ToLower(DefaultLimits):        {"0\n0\n0\n0\n0", false},
	strings.ToLower(KeepTasks):            {"0", false},
	strings.ToLower(KeepUsers):            {"0", false},
	strings.ToLower(OnExitAction):         {"2", false},
	strings.ToLower(Plugins):              {"", false},
	strings.ToLower(ServerAddress):        {"", false},
	strings.ToLower(ServerMaxConnections): {"30", false},
	strings.ToLower(ServerPort):           {"8080", false},
	strings.ToLower(ServerTimeout):        {"-1", false},
	strings.ToLower(TokenExpiration):      {"30", false},
}

type entry struct {
	id    int64
	key   string
	value string
}

// Settings is the in-memory settings map loaded from the store. Lookup is
// case-insensitive on key; unknown keys fall back to the declared default.
type Settings struct {
	mu      sync.RWMutex
	entries map[string]*entry // lowercased key
	logger  *logger.Logger

	// OnValueUpdated fires after Set applies a value. Called without the
	// internal lock held.
	OnValueUpdated func(id int64, key, value string)
}

// New creates an empty settings map.
func New(log *logger.Logger) *Settings {
	return &Settings{
		entries: make(map[string]*entry),
		logger:  log.WithComponent("settings"),
	}
}

// BulkLoad replaces the map contents with rows read back from the store.
func (s *Settings) BulkLoad(rows []store.SettingRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry, len(rows))
	for _, row := range rows {
		s.entries[strings.ToLower(row.Key)] = &entry{
			id:    row.ID,
			key:   row.Key,
			value: row.Value,
		}
	}
}

// Get returns the stored value, or the declared default for unknown keys.
func (s *Settings) Get(key string) string {
	lower := strings.ToLower(key)

	s.mu.RLock()
	e, ok := s.entries[lower]
	s.mu.RUnlock()
	if ok {
		return e.value
	}

	if d, ok := defaults[lower]; ok {
		return d.value
	}
	return ""
}

// IDOf returns the row id backing a key, or -1 when the key has never been
// persisted.
func (s *Settings) IDOf(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[strings.ToLower(key)]; ok {
		return e.id
	}
	return -1
}

// IsAdmin reports whether reading or writing the key requires Admin.
// Plugin.<name>.<rest> keys bypass the declared-default table and are
// always admin-only.
func (s *Settings) IsAdmin(key string) bool {
	if IsPluginKey(key) {
		return true
	}
	if d, ok := defaults[strings.ToLower(key)]; ok {
		return d.adminOnly
	}
	return false
}

// IsPluginKey reports whether the key is routed as a plugin setting.
func IsPluginKey(key string) bool {
	parts := strings.SplitN(key, ".", 3)
	return len(parts) == 3 && strings.EqualFold(parts[0], "Plugin")
}

// PluginName extracts <name> from a Plugin.<name>.<rest> key, or "".
func PluginName(key string) string {
	if !IsPluginKey(key) {
		return ""
	}
	return strings.SplitN(key, ".", 3)[1]
}

// Set applies a value in memory and emits ValueUpdated. Persistence is the
// caller's responsibility (write-through happens in the core facade before
// this is called).
func (s *Settings) Set(key, value string) {
	lower := strings.ToLower(key)

	s.mu.Lock()
	e, ok := s.entries[lower]
	if !ok {
		e = &entry{id: -1, key: key}
		s.entries[lower] = e
	}
	e.value = value
	id := e.id
	s.mu.Unlock()

	s.logger.Debug().Str("key", key).Msg("setting updated")

	if s.OnValueUpdated != nil {
		s.OnValueUpdated(id, key, value)
	}
}

// SetID records the store row id for a key after a write-through insert.
func (s *Settings) SetID(key string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[strings.ToLower(key)]; ok {
		e.id = id
	}
}

// StoredKeys returns the canonical spelling of every key present in the
// map, sorted.
func (s *Settings) StoredKeys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		keys = append(keys, e.key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// CheckDatabaseVersion reports whether the persisted schema marker matches
// the compiled-in version.
func (s *Settings) CheckDatabaseVersion() bool {
	return s.Get(DatabaseVersion) == store.SchemaVersion
}

// Keys returns the canonical names of all recognized settings.
func Keys() []string {
	return []string{
		DatabaseInterval, DatabaseVersion, DefaultLimits, KeepTasks,
		KeepUsers, OnExitAction, Plugins, ServerAddress,
		ServerMaxConnections, ServerPort, ServerTimeout, TokenExpiration,
	}
}
