// Package user holds the user entities, password hashing and the
// permission gate primitives.
package user

import (
	"crypto/sha512"
	"encoding/hex"
	osuser "os/user"
	"strconv"
	"sync"
	"time"

	"github.com/taskqd/taskqd/internal/limits"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/token"
	"github.com/taskqd/taskqd/pkg/logger"
)

// uncheckedValidity is the lifetime of internally minted tokens handed to
// plugin hosts.
const uncheckedValidity = 9999 * 24 * time.Hour

// User is the in-memory user entity.
type User struct {
	ID           int64          `json:"_id"`
	Name         string         `json:"name"`
	Email        string         `json:"email"`
	PasswordHash string         `json:"-"`
	Permissions  Permission     `json:"permissions"`
	Priority     int64          `json:"priority"`
	Limits       limits.Limits  `json:"limits"`
	LastLogin    *time.Time     `json:"last_login,omitempty"`
}

// Row renders the entity back into its persisted form.
func (u *User) Row() store.UserRow {
	return store.UserRow{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email,
		Password:    u.PasswordHash,
		Permissions: int64(u.Permissions),
		Priority:    u.Priority,
		Limits:      u.Limits.Encode(),
		LastLogin:   u.LastLogin,
	}
}

// FromRow builds the entity from a persisted row.
func FromRow(row store.UserRow) *User {
	return &User{
		ID:           row.ID,
		Name:         row.Name,
		Email:        row.Email,
		PasswordHash: row.Password,
		Permissions:  Permission(row.Permissions),
		Priority:     row.Priority,
		Limits:       limits.Parse(row.Limits),
		LastLogin:    row.LastLogin,
	}
}

// HashPassword returns the SHA-512 hex digest of plain||salt. The salt is
// the process-wide configuration string, identical for every user.
func HashPassword(plain, salt string) string {
	sum := sha512.Sum512([]byte(plain + salt))
	return hex.EncodeToString(sum[:])
}

// Manager owns the user map keyed by name.
type Manager struct {
	mu     sync.RWMutex
	byName map[string]*User
	byID   map[int64]*User

	tokens *token.Manager
	salt   string
	logger *logger.Logger
	now    func() time.Time

	// lookupIDs resolves a user name to system (uid, gid); swapped in tests.
	lookupIDs func(name string) (int64, int64, bool)

	// OnUserLoggedIn fires after a successful Authorize, before the token
	// is returned.
	OnUserLoggedIn func(id int64, at time.Time)
}

// NewManager creates an empty user registry bound to the token manager and
// the process-wide salt.
func NewManager(tokens *token.Manager, salt string, log *logger.Logger) *Manager {
	return &Manager{
		byName:    make(map[string]*User),
		byID:      make(map[int64]*User),
		tokens:    tokens,
		salt:      salt,
		logger:    log.WithComponent("users"),
		now:       time.Now,
		lookupIDs: systemIDs,
	}
}

// Salt returns the process-wide password salt.
func (m *Manager) Salt() string {
	return m.salt
}

// Add registers a user entity under the given id.
func (m *Manager) Add(row store.UserRow, id int64) {
	u := FromRow(row)
	u.ID = id

	m.mu.Lock()
	m.byName[u.Name] = u
	m.byID[u.ID] = u
	m.mu.Unlock()
}

// LoadAll registers user rows read back from the store at startup.
func (m *Manager) LoadAll(rows []store.UserRow) {
	for _, row := range rows {
		m.Add(row, row.ID)
	}
}

// Remove drops a user entity.
func (m *Manager) Remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.byID[id]; ok {
		delete(m.byName, u.Name)
		delete(m.byID, id)
	}
}

// ByID returns the user with the given id, or nil.
func (m *Manager) ByID(id int64) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// ByName returns the user with the given name, or nil.
func (m *Manager) ByName(name string) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// ByToken resolves a bearer token to its user, or nil.
func (m *Manager) ByToken(value string) *User {
	name := m.tokens.UserFor(value)
	if name == "" {
		return nil
	}
	return m.ByName(name)
}

// All returns a snapshot of every registered user.
func (m *Manager) All() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.byID))
	for _, u := range m.byID {
		users = append(users, u)
	}
	return users
}

// Mutate applies fn to the user with the given id under the write lock.
// Used by the core facade after the store write succeeds.
func (m *Manager) Mutate(id int64, fn func(*User)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[id]
	if !ok {
		return false
	}

	oldName := u.Name
	fn(u)
	if u.Name != oldName {
		delete(m.byName, oldName)
		m.byName[u.Name] = u
	}
	return true
}

// IDs resolves a user's system uid and gid by passwd lookup on its name,
// falling back to (1, 1) when the name is unknown to the OS.
func (m *Manager) IDs(id int64) (int64, int64) {
	u := m.ByID(id)
	if u == nil {
		return 1, 1
	}
	if uid, gid, ok := m.lookupIDs(u.Name); ok {
		return uid, gid
	}
	return 1, 1
}

func systemIDs(name string) (int64, int64, bool) {
	entry, err := osuser.Lookup(name)
	if err != nil {
		return 0, 0, false
	}
	uid, err := strconv.ParseInt(entry.Uid, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	gid, err := strconv.ParseInt(entry.Gid, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return uid, gid, true
}

// Authorize checks name/password and mints a token with the given
// validity. Returns "" on mismatch. Emits UserLoggedIn before returning.
func (m *Manager) Authorize(name, password string, validity time.Duration) string {
	u := m.ByName(name)
	if u == nil || u.PasswordHash != HashPassword(password, m.salt) {
		return ""
	}

	now := m.now()
	value := m.tokens.Register(name, now.Add(validity))
	m.logger.WithUser(name).Debug().Msg("token minted")

	if m.OnUserLoggedIn != nil {
		m.OnUserLoggedIn(u.ID, now)
	}
	return value
}

// AuthorizeUnchecked mints a long-lived token without a password check.
// Administrative path used to hand plugin hosts an internal token.
func (m *Manager) AuthorizeUnchecked(name string) string {
	if m.ByName(name) == nil {
		return ""
	}
	return m.tokens.Register(name, m.now().Add(uncheckedValidity))
}

// AuthorizeService reports whether the token is valid and its user holds
// the permission (SuperAdmin implies all).
func (m *Manager) AuthorizeService(value string, required Permission) bool {
	u := m.ByToken(value)
	return u != nil && u.Permissions.Has(required)
}

// CheckToken returns a token's validity end and whether it is live.
func (m *Manager) CheckToken(value string) (time.Time, bool) {
	if m.tokens.UserFor(value) == "" {
		return time.Time{}, false
	}
	return m.tokens.ExpirationOf(value), true
}

// SetIDLookup overrides the passwd resolver (tests only).
func (m *Manager) SetIDLookup(fn func(name string) (int64, int64, bool)) {
	m.lookupIDs = fn
}
