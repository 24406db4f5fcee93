package model

import (
	"time"

	"github.com/uptrace/bun"
)

// DeployOutcome classifies one push attempt.
type DeployOutcome string

const (
	// DeploySucceeded constant.
	DeploySucceeded DeployOutcome = "SUCCEEDED"
	// DeployRetriedSuccess marks a success that needed a saga retry after a ref-update failure.
	DeployRetriedSuccess DeployOutcome = "RETRIED_SUCCESS"
	// DeployFailed constant.
	DeployFailed DeployOutcome = "FAILED"
)

// DeploymentRecord represents a row from the `deployments` table: the immutable result of one
// push attempt, used for auditability and for short-circuiting redundant pushes of a snapshot
// version that already deployed.
type DeploymentRecord struct {
	bun.BaseModel `bun:"table:deployments"`

	ID              int64         `bun:"id,pk,autoincrement" json:"id"`
	SessionID       SessionID     `bun:"session_id" json:"session_id"`
	SnapshotVersion int           `bun:"snapshot_version" json:"snapshot_version"`
	RemoteRef       string        `bun:"remote_ref" json:"remote_ref"`
	CommitSHA       string        `bun:"commit_sha" json:"commit_sha"`
	RepositoryURL   string        `bun:"repository_url" json:"repository_url"`
	Outcome         DeployOutcome `bun:"outcome" json:"outcome"`
	FailureReason   string        `bun:"failure_reason" json:"failure_reason,omitempty"`
	AttemptedAt     time.Time     `bun:"attempted_at" json:"attempted_at"`
}
