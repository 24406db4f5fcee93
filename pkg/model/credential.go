package model

import (
	"time"

	"github.com/uptrace/bun"
)

// Provider names a third-party a credential is scoped to.
type Provider string

// GitHubProvider is the source-control host credentials are held for.
const GitHubProvider Provider = "github"

// Credential represents a row from the `credentials` table: one third-party access token bound
// to a (user, provider) pair. The token column never leaves the vault package.
type Credential struct {
	bun.BaseModel `bun:"table:credentials"`

	ID        int64      `bun:"id,pk,autoincrement" json:"-"`
	UserID    UserID     `bun:"user_id" json:"user_id"`
	Provider  Provider   `bun:"provider" json:"provider"`
	Token     string     `bun:"token" json:"-"`
	Username  string     `bun:"username" json:"username"`
	ExpiresAt *time.Time `bun:"expires_at" json:"expires_at,omitempty"`
	Revoked   bool       `bun:"revoked" json:"revoked"`
	CreatedAt time.Time  `bun:"created_at" json:"created_at"`
}

// Valid reports whether the credential can still be used.
func (c *Credential) Valid() bool {
	if c == nil || c.Revoked || c.Token == "" {
		return false
	}
	if c.ExpiresAt != nil && time.Now().UTC().After(*c.ExpiresAt) {
		return false
	}
	return true
}
