package token_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/token"
	"github.com/taskqd/taskqd/pkg/testutil"
)

func TestRegister_ValidToken(t *testing.T) {
	m := token.NewManager(testutil.SilentLogger())
	defer m.Stop()

	value := m.Register("alice", time.Now().Add(time.Hour))

	assert.Len(t, value, 32)
	assert.Equal(t, "alice", m.UserFor(value))
	assert.WithinDuration(t, time.Now().Add(time.Hour), m.ExpirationOf(value), time.Second)
}

func TestRegister_ValuesAreDistinct(t *testing.T) {
	m := token.NewManager(testutil.SilentLogger())
	defer m.Stop()

	seen := make(map[string]bool)
	until := time.Now().Add(time.Hour)
	for i := 0; i < 100; i++ {
		v := m.Register("u", until)
		assert.False(t, seen[v], "duplicate token value")
		seen[v] = true
	}
}

func TestUserFor_MissingOrExpired(t *testing.T) {
	m := token.NewManager(testutil.SilentLogger())
	defer m.Stop()

	assert.Equal(t, "", m.UserFor("nope"))

	// an already-expired entry is never loaded
	m.Load(token.Entry{Value: "stale", UserName: "bob", ValidUntil: time.Now().Add(-time.Second)})
	assert.Equal(t, "", m.UserFor("stale"))
	assert.Equal(t, 0, m.Len())
}

func TestExpire_RemovesAndNotifies(t *testing.T) {
	m := token.NewManager(testutil.SilentLogger())
	defer m.Stop()

	var mu sync.Mutex
	var expired []string
	m.OnTokenExpired = func(value string) {
		mu.Lock()
		expired = append(expired, value)
		mu.Unlock()
	}

	value := m.Register("alice", time.Now().Add(time.Hour))
	m.Expire(value)

	assert.Equal(t, "", m.UserFor(value))
	mu.Lock()
	assert.Equal(t, []string{value}, expired)
	mu.Unlock()

	// expiring twice does not notify twice
	m.Expire(value)
	mu.Lock()
	assert.Len(t, expired, 1)
	mu.Unlock()
}

func TestTimer_FiresAndRemoves(t *testing.T) {
	m := token.NewManager(testutil.SilentLogger())
	defer m.Stop()

	done := make(chan string, 1)
	m.OnTokenExpired = func(value string) { done <- value }

	value := m.Register("alice", time.Now().Add(30*time.Millisecond))

	select {
	case got := <-done:
		assert.Equal(t, value, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry timer did not fire")
	}
	assert.Equal(t, "", m.UserFor(value))
}

func TestLoadAll_SkipsExpiredRows(t *testing.T) {
	m := token.NewManager(testutil.SilentLogger())
	defer m.Stop()

	m.LoadAll([]store.TokenRow{
		{Token: "live", UserName: "alice", ValidUntil: time.Now().Add(time.Hour)},
		{Token: "dead", UserName: "bob", ValidUntil: time.Now().Add(-time.Hour)},
	})

	assert.Equal(t, "alice", m.UserFor("live"))
	assert.Equal(t, "", m.UserFor("dead"))
	assert.Equal(t, 1, m.Len())
}
