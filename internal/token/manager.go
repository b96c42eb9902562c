// Package token maintains the opaque bearer-token registry with per-token
// expiry timers.
package token

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/pkg/logger"
)

// Entry is one live token.
type Entry struct {
	Value      string
	UserName   string
	ValidUntil time.Time
}

// Manager owns the token map. A token is valid iff it is present AND
// now < ValidUntil.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]*Entry
	timers map[string]*time.Timer
	logger *logger.Logger
	now    func() time.Time

	// OnTokenExpired fires after a token is removed by Expire or by its
	// timer. Called without the internal lock held.
	OnTokenExpired func(value string)
}

// NewManager creates an empty token registry.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		tokens: make(map[string]*Entry),
		timers: make(map[string]*time.Timer),
		logger: log.WithComponent("tokens"),
		now:    time.Now,
	}
}

// newValue mints a 128-bit opaque hex value.
func newValue() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Register mints a new token for the user, valid until the given instant,
// and schedules its expiry timer.
func (m *Manager) Register(userName string, validUntil time.Time) string {
	value := newValue()
	m.Load(Entry{Value: value, UserName: userName, ValidUntil: validUntil})
	return value
}

// Load inserts one token and arms its one-shot expiry timer. Entries whose
// validity already ended are dropped.
func (m *Manager) Load(e Entry) {
	remaining := e.ValidUntil.Sub(m.now())
	if remaining <= 0 {
		return
	}

	m.mu.Lock()
	entry := e
	m.tokens[e.Value] = &entry
	if old, ok := m.timers[e.Value]; ok {
		old.Stop()
	}
	m.timers[e.Value] = time.AfterFunc(remaining, func() {
		m.Expire(e.Value)
	})
	m.mu.Unlock()
}

// LoadAll inserts token rows read back from the store at startup. Expired
// rows are skipped (the store drops them beforehand, this is the backstop).
func (m *Manager) LoadAll(rows []store.TokenRow) {
	for _, row := range rows {
		m.Load(Entry{
			Value:      row.Token,
			UserName:   row.UserName,
			ValidUntil: row.ValidUntil,
		})
	}
}

// UserFor resolves a token to its user name. Empty when the token is
// missing or expired.
func (m *Manager) UserFor(value string) string {
	m.mu.RLock()
	e, ok := m.tokens[value]
	m.mu.RUnlock()

	if !ok || !m.now().Before(e.ValidUntil) {
		return ""
	}
	return e.UserName
}

// ExpirationOf returns the validity end of a token, zero when unknown.
func (m *Manager) ExpirationOf(value string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.tokens[value]; ok {
		return e.ValidUntil
	}
	return time.Time{}
}

// Expire removes a token and signals the expiry watcher.
func (m *Manager) Expire(value string) {
	m.mu.Lock()
	_, ok := m.tokens[value]
	if ok {
		delete(m.tokens, value)
		if timer, has := m.timers[value]; has {
			timer.Stop()
			delete(m.timers, value)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.logger.Debug().Msg("token expired")
	if m.OnTokenExpired != nil {
		m.OnTokenExpired(value)
	}
}

// Len reports the number of live tokens.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// Stop cancels all pending expiry timers. Used during shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for value, timer := range m.timers {
		timer.Stop()
		delete(m.timers, value)
	}
}
