package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PotLock/zerobuild/internal/builder"
	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/deploy"
	"github.com/PotLock/zerobuild/internal/gitops"
	"github.com/PotLock/zerobuild/internal/progress"
	"github.com/PotLock/zerobuild/internal/sandbox"
	"github.com/PotLock/zerobuild/internal/session"
	"github.com/PotLock/zerobuild/internal/vault"
	"github.com/PotLock/zerobuild/pkg/logger"
	"github.com/PotLock/zerobuild/pkg/model"
)

// stubDriver answers every sandbox call successfully with one synthetic workspace file.
type stubDriver struct{ refs int }

func (d *stubDriver) Create(context.Context, sandbox.Spec) (sandbox.Ref, error) {
	d.refs++
	return sandbox.Ref(fmt.Sprintf("sbx-%d", d.refs)), nil
}

func (d *stubDriver) Exec(_ context.Context, _ sandbox.Ref, _, _ string) (sandbox.CommandResult, error) {
	return sandbox.CommandResult{}, nil
}

func (d *stubDriver) WriteFile(context.Context, sandbox.Ref, string, []byte) error { return nil }

func (d *stubDriver) ReadFile(context.Context, sandbox.Ref, string) ([]byte, error) {
	return []byte(`{"name":"demo"}`), nil
}

func (d *stubDriver) List(context.Context, sandbox.Ref, string) ([]sandbox.FileEntry, error) {
	return []sandbox.FileEntry{{Path: "package.json", Size: 15}}, nil
}

func (d *stubDriver) PreviewURL(_ context.Context, ref sandbox.Ref, port int) (string, error) {
	return fmt.Sprintf("https://%d-%s.test", port, ref), nil
}

func (d *stubDriver) Destroy(context.Context, sandbox.Ref) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *db.Store) {
	t.Helper()
	store, err := db.NewInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	notifier := progress.NewNotifier(progress.NewHub())
	notifier.Start(context.Background())
	t.Cleanup(notifier.Close)

	registry := session.NewRegistry(4)
	v := vault.New(store.Credentials())
	b := builder.New(registry, store.Sessions(), store.Snapshots(), &stubDriver{}, notifier,
		builder.Config{
			Template:         "nextjs",
			SandboxTimeout:   time.Minute,
			ProvisionRetries: 1,
			ProvisionBackoff: time.Millisecond,
			PreviewPort:      3000,
			TeardownTimeout:  time.Second,
			IdleAfter:        time.Hour,
			MaxIdleAge:       2 * time.Hour,
		})
	pipeline := deploy.New(store.Snapshots(), store.Deployments(), v,
		func(token string) deploy.Remote { return deploy.NewGitHubRemote("http://unused.test", token) },
		"main")
	git := gitops.New("http://unused.test", v)

	srv := NewServer(b, pipeline, registry, store, v, git, progress.NewHub(),
		logger.NewLogBuffer(64), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestBuildLifecycleOverHTTP(t *testing.T) {
	ts, store := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/builds",
		`{"user_id": "alice", "display_name": "demo", "plan_confirmed": true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess model.Session
	decode(t, resp, &sess)
	assert.Equal(t, model.BuildingState, sess.State)

	// A second build for the same user conflicts.
	resp = postJSON(t, ts.URL+"/api/v1/builds", `{"user_id": "alice", "plan_confirmed": true}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// A cycle promotes the session to preview.
	resp = postJSON(t, ts.URL+"/api/v1/sessions/"+string(sess.ID)+"/cycles",
		`{"files": {"app/page.tsx": "export default function Page() {}"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cycle builder.CycleResult
	decode(t, resp, &cycle)
	assert.Equal(t, 2, cycle.SnapshotVersion)
	assert.NotEmpty(t, cycle.PreviewURL)

	resp, err := http.Get(ts.URL + "/api/v1/sessions/" + string(sess.ID) + "/snapshots")
	require.NoError(t, err)
	var versions struct {
		Versions []int `json:"versions"`
	}
	decode(t, resp, &versions)
	assert.Equal(t, []int{1, 2}, versions.Versions)

	// Terminate and confirm the stored row is terminal.
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+string(sess.ID), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	stored, err := store.Sessions().ByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DestroyedState, stored.State)
}

func TestStartBuildValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/builds", `{"plan_confirmed": true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/builds", `{"user_id": "bob", "plan_confirmed": false}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownSessionIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/sessions/" + string(model.NewSessionID()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDeployWithoutCredentialIs401(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/builds", `{"user_id": "carol", "plan_confirmed": true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess model.Session
	decode(t, resp, &sess)

	resp = postJSON(t, ts.URL+"/api/v1/sessions/"+string(sess.ID)+"/deploy",
		`{"user_id": "carol", "repo_name": "demo"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthRoutesWithoutOAuthApp(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/auth/github?user=alice")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp.Body.Close()
}
