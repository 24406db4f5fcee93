package gitops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/vault"
	"github.com/PotLock/zerobuild/pkg/model"
)

func newClient(t *testing.T, base string) (*Client, *vault.Vault) {
	t.Helper()
	store, err := db.NewInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v := vault.New(store.Credentials())
	require.NoError(t,
		v.Put(context.Background(), "alice", model.GitHubProvider, "gho_tok", "octo", nil))
	return New(base, v), v
}

func TestListRepos(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer gho_tok", r.Header.Get("Authorization"))
		require.Equal(t, "/user/repos", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]Repo{
			{FullName: "octo/demo", HTMLURL: "https://github.test/octo/demo", DefaultBranch: "main"},
		})
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	repos, err := c.ListRepos(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "octo/demo", repos[0].FullName)
}

func TestCreateIssueAndPullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/demo/issues":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "bug: preview 500s", req["title"])
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Issue{Number: 7, HTMLURL: "https://github.test/octo/demo/issues/7"})
		case "/repos/octo/demo/pulls":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "feature", req["head"])
			assert.Equal(t, "main", req["base"])
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(PullRequest{Number: 8, HTMLURL: "https://github.test/octo/demo/pull/8"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	ctx := context.Background()

	issue, err := c.CreateIssue(ctx, "alice", "octo/demo", "bug: preview 500s", "details")
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)

	pr, err := c.CreatePullRequest(ctx, "alice", "octo/demo", "Add feature", "", "feature", "main")
	require.NoError(t, err)
	assert.Equal(t, 8, pr.Number)
}

func TestUnauthorizedRevokesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, v := newClient(t, srv.URL)
	_, err := c.ListRepos(context.Background(), "alice")
	require.ErrorIs(t, err, vault.ErrNotConnected)
	assert.False(t, v.Connected(context.Background(), "alice", model.GitHubProvider))
}

func TestNotConnectedUser(t *testing.T) {
	c, _ := newClient(t, "http://unused.test")
	_, err := c.ListRepos(context.Background(), "stranger")
	require.ErrorIs(t, err, vault.ErrNotConnected)
}
