package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"github.com/PotLock/zerobuild/pkg/model"
)

// CredentialStore persists provider credentials. Callers go through the vault; nothing above
// it touches this store directly.
type CredentialStore struct {
	db *bun.DB
}

// Upsert stores the credential, replacing any prior one for the same (user, provider).
func (s *CredentialStore) Upsert(ctx context.Context, cred *model.Credential) error {
	_, err := s.db.NewInsert().Model(cred).
		On("CONFLICT (user_id, provider) DO UPDATE").
		Set("token = EXCLUDED.token").
		Set("username = EXCLUDED.username").
		Set("expires_at = EXCLUDED.expires_at").
		Set("revoked = EXCLUDED.revoked").
		Set("created_at = EXCLUDED.created_at").
		Exec(ctx)
	return errors.Wrap(err, "upserting credential")
}

// ByUser fetches the credential for a (user, provider) pair.
func (s *CredentialStore) ByUser(
	ctx context.Context, user model.UserID, provider model.Provider,
) (*model.Credential, error) {
	var cred model.Credential
	err := s.db.NewSelect().Model(&cred).
		Where("user_id = ?", user).
		Where("provider = ?", provider).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching credential")
	}
	return &cred, nil
}

// Delete removes the credential for a (user, provider) pair. Deleting a missing credential is
// not an error.
func (s *CredentialStore) Delete(
	ctx context.Context, user model.UserID, provider model.Provider,
) error {
	_, err := s.db.NewDelete().Model((*model.Credential)(nil)).
		Where("user_id = ?", user).
		Where("provider = ?", provider).
		Exec(ctx)
	return errors.Wrap(err, "deleting credential")
}

// MarkRevoked flags the credential as revoked without discarding the row, so the rejection
// reason survives for later inspection.
func (s *CredentialStore) MarkRevoked(
	ctx context.Context, user model.UserID, provider model.Provider,
) error {
	res, err := s.db.NewUpdate().Model((*model.Credential)(nil)).
		Set("revoked = ?", true).
		Where("user_id = ?", user).
		Where("provider = ?", provider).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "revoking credential")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
