package session

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/PotLock/zerobuild/pkg/model"
)

// ErrPlanNotConfirmed is returned when a build cycle is requested before the user has confirmed
// the plan for the session.
var ErrPlanNotConfirmed = errors.New("build plan has not been confirmed")

// ErrAlreadyActive is returned when a user who already owns a registered session asks for
// another one.
type ErrAlreadyActive struct {
	UserID    model.UserID
	SessionID model.SessionID
}

func (e ErrAlreadyActive) Error() string {
	return fmt.Sprintf("user %s already has active session %s", e.UserID, e.SessionID)
}

// ErrCapacityExceeded is returned when the registry is full.
type ErrCapacityExceeded struct {
	Capacity int
}

func (e ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("session registry is at capacity (%d)", e.Capacity)
}

// ErrNotRegistered is returned when a session id is not present in the registry.
type ErrNotRegistered struct {
	SessionID model.SessionID
}

func (e ErrNotRegistered) Error() string {
	return fmt.Sprintf("session %s is not registered", e.SessionID)
}
