package plugin

import (
	"sort"
	"strings"
	"sync"

	"github.com/taskqd/taskqd/pkg/logger"
)

// Host tracks the set of loaded plugins. Each plugin gets an
// admin-equivalent bearer token minted at load time, which it presents when
// calling back into the daemon.
type Host struct {
	mu     sync.RWMutex
	tokens map[string]string

	// mint produces a long-lived administrative token.
	mint   func() string
	logger *logger.Logger
}

// NewHost creates an empty registry over the given token minter.
func NewHost(mint func() string, log *logger.Logger) *Host {
	return &Host{
		tokens: make(map[string]string),
		mint:   mint,
		logger: log.WithComponent("plugins"),
	}
}

// Load registers a plugin and mints its token. Reports false when the name
// is already loaded.
func (h *Host) Load(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.tokens[name]; exists {
		return false
	}
	h.tokens[name] = h.mint()
	h.logger.Info().Str("plugin", name).Msg("plugin loaded")
	return true
}

// LoadAll registers every name, skipping duplicates.
func (h *Host) LoadAll(names []string) {
	for _, name := range names {
		h.Load(name)
	}
}

// Unload drops a plugin. Reports false when it was not loaded.
func (h *Host) Unload(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.tokens[name]; !exists {
		return false
	}
	delete(h.tokens, name)
	h.logger.Info().Str("plugin", name).Msg("plugin unloaded")
	return true
}

// Loaded returns the plugin names, sorted.
func (h *Host) Loaded() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.tokens))
	for name := range h.tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsLoaded reports whether the plugin is registered.
func (h *Host) IsLoaded(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.tokens[name]
	return exists
}

// Token returns the plugin's internal token, or "".
func (h *Host) Token(name string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tokens[name]
}

// ParseNames splits the newline-separated Plugins setting value.
func ParseNames(value string) []string {
	var names []string
	for _, name := range strings.Split(value, "\n") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// EncodeNames renders plugin names back into the setting value.
func EncodeNames(names []string) string {
	return strings.Join(names, "\n")
}
