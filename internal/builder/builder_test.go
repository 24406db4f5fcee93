package builder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/progress"
	"github.com/PotLock/zerobuild/internal/sandbox"
	"github.com/PotLock/zerobuild/internal/session"
	"github.com/PotLock/zerobuild/pkg/model"
)

// fakeDriver is an in-memory sandbox provider. Command results are keyed by command string;
// unknown commands succeed with exit 0.
type fakeDriver struct {
	mu          sync.Mutex
	createFails int
	creates     int
	refs        int
	files       map[sandbox.Ref]map[string][]byte
	execResults map[string]sandbox.CommandResult
	previewUp   bool
	destroyHang bool
	destroyed   []sandbox.Ref
	// execHang makes the build command block until the channel closes or the context is
	// cancelled; hanging reports whether a command is currently blocked.
	execHang chan struct{}
	hanging  bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		files:       map[sandbox.Ref]map[string][]byte{},
		execResults: map[string]sandbox.CommandResult{},
		previewUp:   true,
	}
}

func (d *fakeDriver) Create(_ context.Context, _ sandbox.Spec) (sandbox.Ref, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creates++
	if d.createFails > 0 {
		d.createFails--
		return "", errors.New("provider unavailable")
	}
	d.refs++
	ref := sandbox.Ref(fmt.Sprintf("sbx-%d", d.refs))
	d.files[ref] = map[string][]byte{
		model.DefaultWorkspaceRoot + "/package.json": []byte(`{"name":"demo"}`),
	}
	return ref, nil
}

func (d *fakeDriver) Exec(
	ctx context.Context, _ sandbox.Ref, _ string, cmd string,
) (sandbox.CommandResult, error) {
	d.mu.Lock()
	hang := d.execHang
	d.mu.Unlock()
	if hang != nil && cmd == DefaultBuildCommand {
		d.mu.Lock()
		d.hanging = true
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return sandbox.CommandResult{}, ctx.Err()
		case <-hang:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if res, ok := d.execResults[cmd]; ok {
		return res, nil
	}
	if strings.HasPrefix(cmd, "curl") {
		if d.previewUp {
			return sandbox.CommandResult{}, nil
		}
		return sandbox.CommandResult{ExitCode: 7}, nil
	}
	return sandbox.CommandResult{}, nil
}

func (d *fakeDriver) WriteFile(_ context.Context, ref sandbox.Ref, p string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files[ref] == nil {
		return errors.Errorf("no sandbox %s", ref)
	}
	d.files[ref][p] = append([]byte(nil), content...)
	return nil
}

func (d *fakeDriver) ReadFile(_ context.Context, ref sandbox.Ref, p string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.files[ref][p]
	if !ok {
		return nil, errors.Errorf("no file %s", p)
	}
	return content, nil
}

func (d *fakeDriver) List(_ context.Context, ref sandbox.Ref, root string) ([]sandbox.FileEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var entries []sandbox.FileEntry
	for p, content := range d.files[ref] {
		rel := strings.TrimPrefix(p, root+"/")
		if rel == p || sandbox.Skippable(rel) {
			continue
		}
		entries = append(entries, sandbox.FileEntry{Path: rel, Size: int64(len(content))})
	}
	return entries, nil
}

func (d *fakeDriver) PreviewURL(_ context.Context, ref sandbox.Ref, port int) (string, error) {
	return fmt.Sprintf("https://%d-%s.test", port, ref), nil
}

func (d *fakeDriver) Destroy(ctx context.Context, ref sandbox.Ref) error {
	if d.destroyHang {
		<-ctx.Done()
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, ref)
	delete(d.files, ref)
	return nil
}

var _ sandbox.Driver = (*fakeDriver)(nil)

type fixture struct {
	store    *db.Store
	registry *session.Registry
	driver   *fakeDriver
	builder  *Builder
	notifier *progress.Notifier
}

func testConfig() Config {
	return Config{
		Template:         "nextjs",
		SandboxTimeout:   5 * time.Minute,
		ProvisionRetries: 2,
		ProvisionBackoff: time.Millisecond,
		PreviewPort:      3000,
		TeardownTimeout:  100 * time.Millisecond,
		IdleAfter:        10 * time.Minute,
		MaxIdleAge:       time.Hour,
	}
}

func newTestBuilder(t *testing.T, driver *fakeDriver, store *db.Store) *fixture {
	t.Helper()
	if store == nil {
		var err error
		store, err = db.NewInMemory(context.Background())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}

	notifier := progress.NewNotifier()
	notifier.Start(context.Background())
	t.Cleanup(notifier.Close)

	registry := session.NewRegistry(8)
	b := New(registry, store.Sessions(), store.Snapshots(), driver, notifier, testConfig())
	return &fixture{store: store, registry: registry, driver: driver, builder: b, notifier: notifier}
}

func TestStartSessionReachesBuilding(t *testing.T) {
	fx := newTestBuilder(t, newFakeDriver(), nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "my-app", true)
	require.NoError(t, err)
	assert.Equal(t, model.BuildingState, sess.State)
	assert.NotEmpty(t, sess.SandboxRef)
	assert.True(t, sess.PlanConfirmed)

	snap, err := fx.store.Snapshots().Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Contains(t, snap.Files, "package.json")

	stored, err := fx.store.Sessions().ByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildingState, stored.State)
}

func TestStartSessionRequiresConfirmedPlan(t *testing.T) {
	fx := newTestBuilder(t, newFakeDriver(), nil)

	_, err := fx.builder.StartSession(context.Background(), "alice", "", false)
	require.ErrorIs(t, err, session.ErrPlanNotConfirmed)
	assert.Zero(t, fx.registry.Len())
	assert.Zero(t, fx.driver.creates)
}

func TestProvisionRetriesThenSucceeds(t *testing.T) {
	driver := newFakeDriver()
	driver.createFails = 2
	fx := newTestBuilder(t, driver, nil)

	sess, err := fx.builder.StartSession(context.Background(), "alice", "", true)
	require.NoError(t, err)
	assert.Equal(t, model.BuildingState, sess.State)
	assert.Equal(t, 3, driver.creates)
}

func TestProvisionExhaustionFailsSession(t *testing.T) {
	driver := newFakeDriver()
	driver.createFails = 10
	fx := newTestBuilder(t, driver, nil)
	ctx := context.Background()

	_, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.Error(t, err)
	// Initial attempt plus the configured retries, no more.
	assert.Equal(t, 3, driver.creates)
	assert.Zero(t, fx.registry.Len())

	_, err = fx.store.Sessions().ActiveByUser(ctx, "alice")
	require.ErrorIs(t, err, db.ErrNotFound)

	// The failed session row survives with its reason.
	all, err := fx.store.Sessions().List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.FailedState, all[0].State)
	assert.Contains(t, all[0].FailureReason, "provision")
}

func TestRunCycleCapturesSnapshotBeforePreview(t *testing.T) {
	fx := newTestBuilder(t, newFakeDriver(), nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)

	res, err := fx.builder.RunCycle(ctx, sess.ID, CycleRequest{
		Files: map[string][]byte{"app/page.tsx": []byte("export default function Page() {}\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SnapshotVersion)
	assert.Equal(t, model.PreviewReadyState, res.State)
	assert.Equal(t, "https://3000-sbx-1.test", res.PreviewURL)

	snap, err := fx.store.Snapshots().Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, snap.Files, "app/page.tsx")

	// Another cycle from PreviewReady goes back through Building.
	res, err = fx.builder.RunCycle(ctx, sess.ID, CycleRequest{
		Files: map[string][]byte{"app/layout.tsx": []byte("export default null\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SnapshotVersion)
}

func TestRunCycleBuildFailureKeepsSessionAlive(t *testing.T) {
	driver := newFakeDriver()
	driver.execResults[DefaultBuildCommand] = sandbox.CommandResult{
		ExitCode: 1, Stderr: "Type error in app/page.tsx",
	}
	fx := newTestBuilder(t, driver, nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)

	_, err = fx.builder.RunCycle(ctx, sess.ID, CycleRequest{
		Files: map[string][]byte{"app/page.tsx": []byte("broken")},
	})
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, DefaultBuildCommand, buildErr.Step)
	assert.Contains(t, buildErr.Stderr, "Type error")

	// Session survives in Building with its sandbox; no snapshot was captured for the
	// failed cycle.
	assert.Equal(t, model.BuildingState, sess.State)
	assert.NotEmpty(t, sess.SandboxRef)
	snap, err := fx.store.Snapshots().Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
}

func TestTerminateDestroysSandbox(t *testing.T) {
	fx := newTestBuilder(t, newFakeDriver(), nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)
	ref := sess.SandboxRef

	require.NoError(t, fx.builder.Terminate(ctx, sess.ID))
	assert.Equal(t, model.DestroyedState, sess.State)
	assert.Empty(t, sess.SandboxRef)
	assert.NotNil(t, sess.EndTime)
	assert.Equal(t, []sandbox.Ref{sandbox.Ref(ref)}, fx.driver.destroyed)
	assert.Zero(t, fx.registry.Len())
}

func TestTerminateCompletesWhenDestroyHangs(t *testing.T) {
	driver := newFakeDriver()
	fx := newTestBuilder(t, driver, nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)

	driver.destroyHang = true
	start := time.Now()
	require.NoError(t, fx.builder.Terminate(ctx, sess.ID))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.DestroyedState, sess.State)
	assert.Zero(t, fx.registry.Len())
}

func TestTerminateInterruptsInFlightCycle(t *testing.T) {
	driver := newFakeDriver()
	fx := newTestBuilder(t, driver, nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)

	hang := make(chan struct{})
	driver.mu.Lock()
	driver.execHang = hang
	driver.mu.Unlock()
	defer close(hang)

	cycleErr := make(chan error, 1)
	go func() {
		_, err := fx.builder.RunCycle(ctx, sess.ID, CycleRequest{})
		cycleErr <- err
	}()
	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return driver.hanging
	}, 5*time.Second, time.Millisecond)

	// Terminate must not wait out the hung build command.
	start := time.Now()
	require.NoError(t, fx.builder.Terminate(ctx, sess.ID))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.DestroyedState, sess.State)
	assert.Zero(t, fx.registry.Len())

	err = <-cycleErr
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunCycleRejectsEscapingPaths(t *testing.T) {
	fx := newTestBuilder(t, newFakeDriver(), nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)

	for _, bad := range []string{"../../etc/passwd", "..", "a/../../b", "/etc/hosts"} {
		_, err := fx.builder.RunCycle(ctx, sess.ID, CycleRequest{
			Files: map[string][]byte{bad: []byte("x")},
		})
		var pathErr *PathEscapeError
		require.ErrorAs(t, err, &pathErr, "path %q", bad)
	}

	// The session survives the rejections and a clean cycle still works.
	res, err := fx.builder.RunCycle(ctx, sess.ID, CycleRequest{
		Files: map[string][]byte{"app/page.tsx": []byte("ok")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SnapshotVersion)
}

func TestIdleSweep(t *testing.T) {
	fx := newTestBuilder(t, newFakeDriver(), nil)
	ctx := context.Background()

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)
	ref := sess.SandboxRef

	// Recent activity: nothing happens.
	fx.builder.sweepIdle(ctx, time.Now().UTC())
	assert.Equal(t, model.BuildingState, sess.State)

	// Past the idle window the session goes idle but keeps its sandbox.
	fx.builder.sweepIdle(ctx, time.Now().UTC().Add(testConfig().IdleAfter+time.Minute))
	assert.Equal(t, model.IdleState, sess.State)
	assert.Equal(t, ref, sess.SandboxRef)
	assert.Empty(t, fx.driver.destroyed)

	// Past the idle ceiling the sandbox is reaped.
	fx.builder.sweepIdle(ctx, sess.LastActiveAt.Add(testConfig().MaxIdleAge+time.Minute))
	assert.Equal(t, model.DestroyedState, sess.State)
	assert.Equal(t, []sandbox.Ref{sandbox.Ref(ref)}, fx.driver.destroyed)
	assert.Zero(t, fx.registry.Len())
}

func TestSecondStartForSameUserRejected(t *testing.T) {
	fx := newTestBuilder(t, newFakeDriver(), nil)
	ctx := context.Background()

	_, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)

	_, err = fx.builder.StartSession(ctx, "alice", "", true)
	require.Error(t, err)
	require.IsType(t, session.ErrAlreadyActive{}, err)
}
