// Package session tracks which build sessions are live in this process and enforces the
// one-active-session-per-user rule at admission time.
package session

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/PotLock/zerobuild/pkg/model"
)

// Handle is a registry entry for one live session. Mu serializes all state transitions and
// sandbox operations for the session; the registry's own lock is never held across them.
type Handle struct {
	// Mu guards Session.
	Mu      sync.Mutex
	Session *model.Session

	opMu     sync.Mutex
	opCancel context.CancelFunc
}

// OpContext derives the context for a sandbox operation and registers its cancel func so
// Interrupt can cut the operation short. Caller must hold Mu; the returned done func must be
// called when the operation finishes.
func (h *Handle) OpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	h.opMu.Lock()
	h.opCancel = cancel
	h.opMu.Unlock()
	return opCtx, func() {
		h.opMu.Lock()
		h.opCancel = nil
		h.opMu.Unlock()
		cancel()
	}
}

// Interrupt cancels the session's in-flight sandbox operation, if any. Unlike the rest of the
// handle it is safe to call without holding Mu, so termination is never stuck behind a hung
// sandbox call.
func (h *Handle) Interrupt() {
	h.opMu.Lock()
	defer h.opMu.Unlock()
	if h.opCancel != nil {
		h.opCancel()
	}
}

// Registry is the process-local index of live sessions. The database enforces the
// one-active-session invariant durably; the registry enforces it cheaply in memory and owns
// the per-session locks.
type Registry struct {
	mu       sync.Mutex
	capacity int
	byID     map[model.SessionID]*Handle
	byUser   map[model.UserID]model.SessionID
}

// NewRegistry creates a registry bounded to capacity concurrent sessions.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		byID:     make(map[model.SessionID]*Handle),
		byUser:   make(map[model.UserID]model.SessionID),
	}
}

// Admit registers a fresh session. It fails when the user already has a registered session or
// the registry is full.
func (r *Registry) Admit(sess *model.Session) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byUser[sess.UserID]; ok {
		return nil, ErrAlreadyActive{UserID: sess.UserID, SessionID: existing}
	}
	if len(r.byID) >= r.capacity {
		return nil, ErrCapacityExceeded{Capacity: r.capacity}
	}

	h := &Handle{Session: sess}
	r.byID[sess.ID] = h
	r.byUser[sess.UserID] = sess.ID
	return h, nil
}

// Adopt registers a session restored from the database. Unlike Admit it tolerates a full
// registry, since refusing to adopt would orphan a running sandbox.
func (r *Registry) Adopt(sess *model.Session) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byID[sess.ID]; ok {
		return h
	}
	h := &Handle{Session: sess}
	r.byID[sess.ID] = h
	r.byUser[sess.UserID] = sess.ID
	return h
}

// Release drops the session from the registry. Releasing an unknown id is a no-op.
func (r *Registry) Release(id model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.byUser[h.Session.UserID] == id {
		delete(r.byUser, h.Session.UserID)
	}
}

// Get looks up a live session by id.
func (r *Registry) Get(id model.SessionID) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[id]
	if !ok {
		return nil, ErrNotRegistered{SessionID: id}
	}
	return h, nil
}

// ForUser looks up a user's live session, if any.
func (r *Registry) ForUser(user model.UserID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byUser[user]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// ListIDs returns the ids of every registered session.
func (r *Registry) ListIDs() []model.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return maps.Keys(r.byID)
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
