package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"github.com/PotLock/zerobuild/pkg/model"
)

// SnapshotStore persists workspace snapshots.
type SnapshotStore struct {
	db *bun.DB
}

// Append stores a new snapshot for the session, assigning the next version number atomically.
// It returns the stored snapshot including its version.
func (s *SnapshotStore) Append(
	ctx context.Context, sessionID model.SessionID, files model.FileMap,
) (*model.Snapshot, error) {
	snap := &model.Snapshot{
		SessionID:  sessionID,
		Files:      files,
		CapturedAt: time.Now().UTC(),
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var maxVersion sql.NullInt64
		if err := tx.NewSelect().Model((*model.Snapshot)(nil)).
			ColumnExpr("MAX(version)").
			Where("session_id = ?", sessionID).
			Scan(ctx, &maxVersion); err != nil {
			return errors.Wrap(err, "reading latest snapshot version")
		}
		snap.Version = int(maxVersion.Int64) + 1
		if _, err := tx.NewInsert().Model(snap).Exec(ctx); err != nil {
			return errors.Wrap(err, "inserting snapshot")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Latest returns the highest-versioned snapshot for the session.
func (s *SnapshotStore) Latest(ctx context.Context, sessionID model.SessionID) (*model.Snapshot, error) {
	var snap model.Snapshot
	err := s.db.NewSelect().Model(&snap).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching latest snapshot")
	}
	return &snap, nil
}

// ByVersion returns one specific snapshot version for the session.
func (s *SnapshotStore) ByVersion(
	ctx context.Context, sessionID model.SessionID, version int,
) (*model.Snapshot, error) {
	var snap model.Snapshot
	err := s.db.NewSelect().Model(&snap).
		Where("session_id = ?", sessionID).
		Where("version = ?", version).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching snapshot")
	}
	return &snap, nil
}

// Versions lists the stored snapshot versions for the session in ascending order, without
// loading file contents.
func (s *SnapshotStore) Versions(ctx context.Context, sessionID model.SessionID) ([]int, error) {
	var versions []int
	err := s.db.NewSelect().Model((*model.Snapshot)(nil)).
		Column("version").
		Where("session_id = ?", sessionID).
		Order("version ASC").
		Scan(ctx, &versions)
	if err != nil {
		return nil, errors.Wrap(err, "listing snapshot versions")
	}
	return versions, nil
}
