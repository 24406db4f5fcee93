package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PotLock/zerobuild/pkg/model"
)

func TestCredentialUpsertReplaces(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cred := &model.Credential{
		UserID:    "alice",
		Provider:  model.GitHubProvider,
		Token:     "gho_first",
		Username:  "alice-gh",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Credentials().Upsert(ctx, cred))

	cred.Token = "gho_second"
	require.NoError(t, store.Credentials().Upsert(ctx, cred))

	got, err := store.Credentials().ByUser(ctx, "alice", model.GitHubProvider)
	require.NoError(t, err)
	require.Equal(t, "gho_second", got.Token)
	require.True(t, got.Valid())
}

func TestCredentialRevokeAndDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.ErrorIs(t,
		store.Credentials().MarkRevoked(ctx, "nobody", model.GitHubProvider), ErrNotFound)

	cred := &model.Credential{
		UserID:    "bob",
		Provider:  model.GitHubProvider,
		Token:     "gho_tok",
		Username:  "bob-gh",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Credentials().Upsert(ctx, cred))
	require.NoError(t, store.Credentials().MarkRevoked(ctx, "bob", model.GitHubProvider))

	got, err := store.Credentials().ByUser(ctx, "bob", model.GitHubProvider)
	require.NoError(t, err)
	require.False(t, got.Valid())

	require.NoError(t, store.Credentials().Delete(ctx, "bob", model.GitHubProvider))
	_, err = store.Credentials().ByUser(ctx, "bob", model.GitHubProvider)
	require.ErrorIs(t, err, ErrNotFound)
}
