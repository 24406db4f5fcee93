// Package vault owns provider credentials. Raw token values never leave this package except
// through WithToken, which hands them directly to the caller's closure.
package vault

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/pkg/model"
)

// ErrNotConnected is returned when a user has no usable credential for a provider.
var ErrNotConnected = errors.New("no valid credential for provider")

// Vault mediates every credential read and write against the store.
type Vault struct {
	creds *db.CredentialStore
	log   *log.Entry
}

// New builds a vault over the credential store.
func New(creds *db.CredentialStore) *Vault {
	return &Vault{creds: creds, log: log.WithField("component", "vault")}
}

// Put stores a freshly issued token for the user, replacing any prior credential for the
// provider.
func (v *Vault) Put(
	ctx context.Context,
	user model.UserID,
	provider model.Provider,
	token, username string,
	expiresAt *time.Time,
) error {
	if token == "" {
		return errors.New("refusing to store an empty token")
	}
	cred := &model.Credential{
		UserID:    user,
		Provider:  provider,
		Token:     token,
		Username:  username,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := v.creds.Upsert(ctx, cred); err != nil {
		return err
	}
	v.log.WithFields(log.Fields{"user": user, "provider": provider}).
		Info("stored credential")
	return nil
}

// Connected reports whether the user holds a valid credential for the provider.
func (v *Vault) Connected(ctx context.Context, user model.UserID, provider model.Provider) bool {
	cred, err := v.creds.ByUser(ctx, user, provider)
	if err != nil {
		return false
	}
	return cred.Valid()
}

// Username returns the provider-side account name bound to the credential.
func (v *Vault) Username(
	ctx context.Context, user model.UserID, provider model.Provider,
) (string, error) {
	cred, err := v.creds.ByUser(ctx, user, provider)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", err
	}
	if !cred.Valid() {
		return "", ErrNotConnected
	}
	return cred.Username, nil
}

// WithToken runs fn with the raw token value. The token must not be retained past the call;
// this is the only sanctioned way to read one out of the vault.
func (v *Vault) WithToken(
	ctx context.Context,
	user model.UserID,
	provider model.Provider,
	fn func(token string) error,
) error {
	cred, err := v.creds.ByUser(ctx, user, provider)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	if !cred.Valid() {
		return ErrNotConnected
	}
	return fn(cred.Token)
}

// MarkRevoked flags the credential as rejected by the provider so later calls fail fast until
// the user reconnects.
func (v *Vault) MarkRevoked(
	ctx context.Context, user model.UserID, provider model.Provider,
) error {
	err := v.creds.MarkRevoked(ctx, user, provider)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err == nil {
		v.log.WithFields(log.Fields{"user": user, "provider": provider}).
			Warn("credential marked revoked")
	}
	return err
}

// Disconnect deletes the user's credential for the provider.
func (v *Vault) Disconnect(
	ctx context.Context, user model.UserID, provider model.Provider,
) error {
	if err := v.creds.Delete(ctx, user, provider); err != nil {
		return err
	}
	v.log.WithFields(log.Fields{"user": user, "provider": provider}).
		Info("credential removed")
	return nil
}
