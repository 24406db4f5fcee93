package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"github.com/PotLock/zerobuild/pkg/ptrs"
)

// SessionID is the unique identifier of one build session.
type SessionID string

// UserID is the stable external identity a session belongs to.
type UserID string

// NewSessionID generates a fresh session ID.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// DefaultWorkspaceRoot is the fixed logical path of the project inside a sandbox, owned by the
// sandbox's non-privileged user.
const DefaultWorkspaceRoot = "/home/user/project"

// Session represents a row from the `sessions` table plus the in-memory lifecycle state the
// build state machine drives.
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	ID            SessionID  `bun:"id,pk" json:"id"`
	UserID        UserID     `bun:"user_id" json:"user_id"`
	DisplayName   string     `bun:"display_name" json:"display_name"`
	State         BuildState `bun:"state" json:"state"`
	SandboxRef    string     `bun:"sandbox_ref" json:"sandbox_ref,omitempty"`
	WorkspaceRoot string     `bun:"workspace_root" json:"workspace_root"`
	PlanConfirmed bool       `bun:"plan_confirmed" json:"plan_confirmed"`
	FailureReason string     `bun:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `bun:"created_at" json:"created_at"`
	LastActiveAt  time.Time  `bun:"last_active_at" json:"last_active_at"`
	EndTime       *time.Time `bun:"end_time" json:"end_time,omitempty"`
}

// Terminal reports whether the session has reached a terminal state.
func (s *Session) Terminal() bool {
	return TerminalStates[s.State]
}

// SandboxLive reports whether the session's state requires a live sandbox.
func (s *Session) SandboxLive() bool {
	return SandboxLiveStates[s.State]
}

// Transition changes the state of the session to the new state. The first return value is false
// when the state was not modified. An illegal transition returns an error and leaves the session
// untouched.
func (s *Session) Transition(state BuildState) (bool, error) {
	if s.State == state {
		return false, nil
	}
	if !BuildTransitions[s.State][state] {
		return false, errors.Errorf("illegal transition %v -> %v for session %v",
			s.State, state, s.ID)
	}
	s.State = state
	if !SandboxLiveStates[state] && state != ProvisioningState {
		s.SandboxRef = ""
	}
	if TerminalStates[state] {
		s.EndTime = ptrs.Ptr(time.Now().UTC())
	}
	return true, nil
}
