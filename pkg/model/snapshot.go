package model

import (
	"crypto/sha1" // #nosec G505: git object ids are SHA-1 by definition.
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// SnapshotFile is one captured file: its content and the git blob id of that content, so the
// deployment pipeline can skip blob creation for content the remote already knows.
type SnapshotFile struct {
	Content []byte `json:"content"`
	Digest  string `json:"digest"`
}

// NewSnapshotFile captures content and computes its digest.
func NewSnapshotFile(content []byte) SnapshotFile {
	return SnapshotFile{Content: content, Digest: GitBlobSHA(content)}
}

// GitBlobSHA returns the git object id of a blob with the given content.
func GitBlobSHA(content []byte) string {
	h := sha1.New() // #nosec G401
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// FileMap maps workspace-relative paths to captured files. It is stored as a single JSON column.
type FileMap map[string]SnapshotFile

// Value implements the driver.Valuer interface.
func (f FileMap) Value() (driver.Value, error) {
	bs, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling file map")
	}
	return bs, nil
}

// Scan implements the sql.Scanner interface.
func (f *FileMap) Scan(src interface{}) error {
	if src == nil {
		*f = nil
		return nil
	}
	var bs []byte
	switch v := src.(type) {
	case []byte:
		bs = v
	case string:
		bs = []byte(v)
	default:
		return errors.Errorf("unexpected type %T for file map", src)
	}
	return errors.Wrap(json.Unmarshal(bs, f), "unmarshaling file map")
}

// Snapshot represents a row from the `snapshots` table: an immutable, versioned capture of a
// session's file tree. Versions per session are gapless from 1 and assigned by the store.
type Snapshot struct {
	bun.BaseModel `bun:"table:snapshots"`

	ID         int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID  SessionID `bun:"session_id" json:"session_id"`
	Version    int       `bun:"version" json:"version"`
	Files      FileMap   `bun:"files" json:"files"`
	CapturedAt time.Time `bun:"captured_at" json:"captured_at"`
}
