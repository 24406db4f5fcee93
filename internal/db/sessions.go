package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"github.com/PotLock/zerobuild/pkg/model"
)

// SessionStore persists build sessions.
type SessionStore struct {
	db *bun.DB
}

// ErrUserHasActiveSession is returned by Insert when the user already owns a non-terminal
// session.
type ErrUserHasActiveSession struct {
	UserID model.UserID
}

func (e ErrUserHasActiveSession) Error() string {
	return "user " + string(e.UserID) + " already has an active session"
}

// Insert stores a new session. The partial unique index on (user_id) rejects a second
// non-terminal session for the same user.
func (s *SessionStore) Insert(ctx context.Context, sess *model.Session) error {
	if _, err := s.db.NewInsert().Model(sess).Exec(ctx); err != nil {
		if strings.Contains(err.Error(), "ux_sessions_active") ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserHasActiveSession{UserID: sess.UserID}
		}
		return errors.Wrap(err, "inserting session")
	}
	return nil
}

// Update writes back every mutable column of the session.
func (s *SessionStore) Update(ctx context.Context, sess *model.Session) error {
	res, err := s.db.NewUpdate().Model(sess).WherePK().Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "updating session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ByID fetches a session by id.
func (s *SessionStore) ByID(ctx context.Context, id model.SessionID) (*model.Session, error) {
	var sess model.Session
	err := s.db.NewSelect().Model(&sess).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching session")
	}
	return &sess, nil
}

// ActiveByUser fetches the user's non-terminal session, if any.
func (s *SessionStore) ActiveByUser(ctx context.Context, user model.UserID) (*model.Session, error) {
	var sess model.Session
	err := s.db.NewSelect().Model(&sess).
		Where("user_id = ?", user).
		Where("state NOT IN (?)", bun.In([]model.BuildState{model.FailedState, model.DestroyedState})).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching active session")
	}
	return &sess, nil
}

// NonTerminal lists every session not yet in a terminal state, for rehydration after restart.
func (s *SessionStore) NonTerminal(ctx context.Context) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.NewSelect().Model(&sessions).
		Where("state NOT IN (?)", bun.In([]model.BuildState{model.FailedState, model.DestroyedState})).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing non-terminal sessions")
	}
	return sessions, nil
}

// List returns every session for a user, newest first.
func (s *SessionStore) List(ctx context.Context, user model.UserID) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.NewSelect().Model(&sessions).
		Where("user_id = ?", user).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing sessions")
	}
	return sessions, nil
}
