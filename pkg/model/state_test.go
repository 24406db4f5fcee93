package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionLegality(t *testing.T) {
	cases := []struct {
		from, to BuildState
		ok       bool
	}{
		{PendingState, ProvisioningState, true},
		{PendingState, BuildingState, false},
		{ProvisioningState, ScaffoldingState, true},
		{ScaffoldingState, BuildingState, true},
		{BuildingState, PreviewReadyState, true},
		{PreviewReadyState, BuildingState, true},
		{BuildingState, IdleState, true},
		{IdleState, BuildingState, true},
		{IdleState, DestroyedState, true},
		{BuildingState, DestroyedState, true},
		{DestroyedState, BuildingState, false},
		{FailedState, PendingState, false},
		{PendingState, FailedState, true},
	}
	for _, c := range cases {
		s := Session{ID: "s", State: c.from}
		changed, err := s.Transition(c.to)
		if c.ok {
			require.NoError(t, err, "%v -> %v", c.from, c.to)
			require.True(t, changed)
			require.Equal(t, c.to, s.State)
		} else {
			require.Error(t, err, "%v -> %v", c.from, c.to)
			require.Equal(t, c.from, s.State)
		}
	}
}

func TestTransitionSameStateIsNoop(t *testing.T) {
	s := Session{ID: "s", State: BuildingState}
	changed, err := s.Transition(BuildingState)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestTerminalTransitionSetsEndTimeAndClearsRef(t *testing.T) {
	s := Session{ID: "s", State: BuildingState, SandboxRef: "sb-1"}
	_, err := s.Transition(DestroyedState)
	require.NoError(t, err)
	require.NotNil(t, s.EndTime)
	require.Empty(t, s.SandboxRef)
	require.True(t, s.Terminal())
}

func TestSandboxLiveStates(t *testing.T) {
	require.False(t, (&Session{State: PendingState}).SandboxLive())
	require.False(t, (&Session{State: ProvisioningState}).SandboxLive())
	require.True(t, (&Session{State: BuildingState}).SandboxLive())
	require.True(t, (&Session{State: IdleState}).SandboxLive())
	require.False(t, (&Session{State: DestroyedState}).SandboxLive())
}

func TestGitBlobSHA(t *testing.T) {
	// Matches `git hash-object` for the same content.
	require.Equal(t,
		"557db03de997c86a4a028e1ebd3a1ceb225be238",
		GitBlobSHA([]byte("Hello World\n")))
	f := NewSnapshotFile([]byte("Hello World\n"))
	require.Equal(t, GitBlobSHA(f.Content), f.Digest)
}
