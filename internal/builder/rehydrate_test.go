package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PotLock/zerobuild/pkg/model"
)

// Simulates a crash: a second builder over the same store with a fresh driver and registry
// must reconstruct the session and restore its workspace from the latest snapshot.
func TestCrashRehydrateResume(t *testing.T) {
	ctx := context.Background()
	fx := newTestBuilder(t, newFakeDriver(), nil)

	sess, err := fx.builder.StartSession(ctx, "alice", "my-app", true)
	require.NoError(t, err)
	_, err = fx.builder.RunCycle(ctx, sess.ID, CycleRequest{
		Files: map[string][]byte{"app/page.tsx": []byte("export default function Page() {}\n")},
	})
	require.NoError(t, err)

	// The process restarts: new driver, new registry, same database.
	restarted := newTestBuilder(t, newFakeDriver(), fx.store)

	ids, err := restarted.builder.Rehydrate(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.SessionID{sess.ID}, ids)

	h, err := restarted.registry.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingState, h.Session.State)
	assert.Empty(t, h.Session.SandboxRef)

	require.NoError(t, restarted.builder.Resume(ctx, sess.ID))
	assert.Equal(t, model.BuildingState, h.Session.State)
	assert.NotEmpty(t, h.Session.SandboxRef)

	// The replayed workspace contains the snapshot's files.
	content, err := restarted.driver.ReadFile(ctx, "sbx-1",
		model.DefaultWorkspaceRoot+"/app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "export default function Page() {}\n", string(content))

	// Snapshot numbering continues without gaps.
	res, err := restarted.builder.RunCycle(ctx, sess.ID, CycleRequest{
		Files: map[string][]byte{"app/layout.tsx": []byte("export default null\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SnapshotVersion)

	versions, err := fx.store.Snapshots().Versions(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, versions)
}

// A session that crashed before its first snapshot starts over from scaffolding.
func TestResumeWithoutSnapshotScaffoldsFresh(t *testing.T) {
	ctx := context.Background()
	store := newTestBuilder(t, newFakeDriver(), nil).store

	// Seed a session row stuck in Provisioning with no snapshots, as a crash mid-provision
	// would leave it.
	sess := &model.Session{
		ID:            model.NewSessionID(),
		UserID:        "bob",
		State:         model.ProvisioningState,
		PlanConfirmed: true,
		WorkspaceRoot: model.DefaultWorkspaceRoot,
	}
	require.NoError(t, store.Sessions().Insert(ctx, sess))

	restarted := newTestBuilder(t, newFakeDriver(), store)
	ids, err := restarted.builder.Rehydrate(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, restarted.builder.Resume(ctx, sess.ID))
	h, err := restarted.registry.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildingState, h.Session.State)

	// Scaffolding captured the baseline snapshot.
	snap, err := store.Snapshots().Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
}

func TestResumeRejectsNonPendingSession(t *testing.T) {
	ctx := context.Background()
	fx := newTestBuilder(t, newFakeDriver(), nil)

	sess, err := fx.builder.StartSession(ctx, "alice", "", true)
	require.NoError(t, err)
	require.Error(t, fx.builder.Resume(ctx, sess.ID))
}
