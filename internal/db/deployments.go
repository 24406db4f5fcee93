package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"github.com/PotLock/zerobuild/pkg/model"
)

// DeploymentStore persists the outcome of each deployment attempt.
type DeploymentStore struct {
	db *bun.DB
}

// Record appends a deployment record.
func (s *DeploymentStore) Record(ctx context.Context, rec *model.DeploymentRecord) error {
	_, err := s.db.NewInsert().Model(rec).Exec(ctx)
	return errors.Wrap(err, "recording deployment")
}

// BySession lists a session's deployment records, oldest first.
func (s *DeploymentStore) BySession(
	ctx context.Context, sessionID model.SessionID,
) ([]*model.DeploymentRecord, error) {
	var recs []*model.DeploymentRecord
	err := s.db.NewSelect().Model(&recs).
		Where("session_id = ?", sessionID).
		Order("attempted_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing deployments")
	}
	return recs, nil
}

// LastSuccess returns the most recent successful deployment of the given snapshot version, or
// ErrNotFound when the version has never been deployed.
func (s *DeploymentStore) LastSuccess(
	ctx context.Context, sessionID model.SessionID, version int,
) (*model.DeploymentRecord, error) {
	var rec model.DeploymentRecord
	err := s.db.NewSelect().Model(&rec).
		Where("session_id = ?", sessionID).
		Where("snapshot_version = ?", version).
		Where("outcome IN (?)", bun.In([]model.DeployOutcome{
			model.DeploySucceeded, model.DeployRetriedSuccess,
		})).
		Order("attempted_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching deployment")
	}
	return &rec, nil
}
