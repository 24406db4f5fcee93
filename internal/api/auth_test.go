package api

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PotLock/zerobuild/pkg/model"
)

func stateFromURL(t *testing.T, authorize string) string {
	t.Helper()
	u, err := url.Parse(authorize)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestAuthStateSingleUse(t *testing.T) {
	a := NewAuthHandler("id", "secret", "https://api.github.test", nil)
	state := stateFromURL(t, a.AuthorizeURL("alice"))

	user, ok := a.userForState(state)
	require.True(t, ok)
	assert.Equal(t, model.UserID("alice"), user)

	_, ok = a.userForState(state)
	assert.False(t, ok)
}

func TestAuthStateExpires(t *testing.T) {
	a := NewAuthHandler("id", "secret", "https://api.github.test", nil)

	stale := stateFromURL(t, a.AuthorizeURL("alice"))
	a.mu.Lock()
	a.states[stale] = pendingAuth{user: "alice", expires: time.Now().Add(-time.Minute)}
	a.mu.Unlock()

	_, ok := a.userForState(stale)
	assert.False(t, ok)
}

func TestAuthorizeURLPrunesAbandonedStates(t *testing.T) {
	a := NewAuthHandler("id", "secret", "https://api.github.test", nil)

	stale := stateFromURL(t, a.AuthorizeURL("alice"))
	a.mu.Lock()
	a.states[stale] = pendingAuth{user: "alice", expires: time.Now().Add(-time.Minute)}
	a.mu.Unlock()

	fresh := stateFromURL(t, a.AuthorizeURL("bob"))

	a.mu.Lock()
	_, staleKept := a.states[stale]
	_, freshKept := a.states[fresh]
	size := len(a.states)
	a.mu.Unlock()
	assert.False(t, staleKept)
	assert.True(t, freshKept)
	assert.Equal(t, 1, size)
}
