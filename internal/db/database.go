// Package db implements the durable store for sessions, snapshots, credentials, and deployment
// records, backed by a single sqlite database file.
package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/PotLock/zerobuild/pkg/model"
)

// Store wraps the bun handle and hands out the per-table stores.
type Store struct {
	db *bun.DB
}

// New opens (creating if needed) the database at path and bootstraps the schema.
func New(ctx context.Context, path string) (*Store, error) {
	return open(ctx, "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
}

// NewInMemory opens a fresh in-memory database, for tests.
func NewInMemory(ctx context.Context) (*Store, error) {
	return open(ctx, "file::memory:?cache=shared")
}

func open(ctx context.Context, dsn string) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// sqlite allows one writer; a single connection sidesteps SQLITE_BUSY entirely and keeps
	// in-memory databases from evaporating between pool connections.
	sqldb.SetMaxOpenConns(1)

	s := &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}
	if err := s.createTables(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	for _, m := range []interface{}{
		(*model.Session)(nil),
		(*model.Snapshot)(nil),
		(*model.Credential)(nil),
		(*model.DeploymentRecord)(nil),
	} {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return errors.Wrapf(err, "creating table for %T", m)
		}
	}

	indexes := []string{
		// At most one non-terminal session per user.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_active
		 ON sessions (user_id) WHERE state NOT IN ('FAILED', 'DESTROYED')`,
		// Snapshot versions are unique per session; the append path relies on this under races.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_snapshots_session_version
		 ON snapshots (session_id, version)`,
		// Zero or one live credential per (user, provider).
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_credentials_user_provider
		 ON credentials (user_id, provider)`,
		`CREATE INDEX IF NOT EXISTS ix_deployments_session
		 ON deployments (session_id)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "creating index")
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the session store.
func (s *Store) Sessions() *SessionStore {
	return &SessionStore{db: s.db}
}

// Snapshots returns the snapshot store.
func (s *Store) Snapshots() *SnapshotStore {
	return &SnapshotStore{db: s.db}
}

// Credentials returns the credential store.
func (s *Store) Credentials() *CredentialStore {
	return &CredentialStore{db: s.db}
}

// Deployments returns the deployment record store.
func (s *Store) Deployments() *DeploymentStore {
	return &DeploymentStore{db: s.db}
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")
