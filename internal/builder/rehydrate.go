package builder

import (
	"context"

	"github.com/pkg/errors"

	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/progress"
	"github.com/PotLock/zerobuild/internal/sandbox"
	"github.com/PotLock/zerobuild/pkg/model"
)

// Rehydrate reconstructs registry entries for every non-terminal session found in storage.
// Each one is reset to Pending with its sandbox ref dropped: the old sandbox is gone or
// untrustworthy after a restart, and the latest snapshot is the recovery baseline. The
// returned ids are ready for Resume.
func (b *Builder) Rehydrate(ctx context.Context) ([]model.SessionID, error) {
	stored, err := b.sessions.NonTerminal(ctx)
	if err != nil {
		return nil, err
	}

	var ids []model.SessionID
	for _, sess := range stored {
		// A direct reset rather than a transition: this is reconstruction, not lifecycle.
		sess.State = model.PendingState
		sess.SandboxRef = ""
		if err := b.sessions.Update(ctx, sess); err != nil {
			return nil, errors.Wrapf(err, "resetting session %s", sess.ID)
		}
		b.registry.Adopt(sess)
		ids = append(ids, sess.ID)
		b.log.WithField("session", sess.ID).Info("rehydrated session")
	}
	return ids, nil
}

// Resume re-provisions a rehydrated session's sandbox, replays the latest snapshot into it,
// and returns the session to Building. A session with no snapshot restarts from scaffolding.
func (b *Builder) Resume(ctx context.Context, id model.SessionID) error {
	h, err := b.registry.Get(id)
	if err != nil {
		return err
	}
	h.Mu.Lock()
	defer h.Mu.Unlock()

	sess := h.Session
	if sess.State != model.PendingState {
		return errors.Errorf("session %s is not awaiting resume (state %s)", id, sess.State)
	}

	snap, err := b.snapshots.Latest(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		// Nothing was ever captured; start over from a clean workspace.
		return b.bringUp(ctx, h)
	}
	if err != nil {
		return err
	}

	opCtx, done := h.OpContext(ctx)
	defer done()

	if err := b.transition(ctx, sess, model.ProvisioningState, ""); err != nil {
		return err
	}
	ref, err := b.provision(opCtx)
	if err != nil {
		if opCtx.Err() != nil {
			return errors.Wrap(opCtx.Err(), "provisioning interrupted")
		}
		b.fail(ctx, h, "provision", err)
		return errors.Wrap(err, "provisioning sandbox")
	}
	sess.SandboxRef = string(ref)

	if err := b.transition(ctx, sess, model.ScaffoldingState, ""); err != nil {
		return err
	}
	if err := b.replay(opCtx, sess, snap); err != nil {
		if opCtx.Err() != nil {
			return errors.Wrap(opCtx.Err(), "replay interrupted")
		}
		b.fail(ctx, h, "replay", err)
		return err
	}

	return b.transition(ctx, sess, model.BuildingState,
		"restored workspace from snapshot")
}

// replay writes every snapshot file back into the sandbox workspace.
func (b *Builder) replay(
	ctx context.Context, sess *model.Session, snap *model.Snapshot,
) error {
	ref := sandbox.Ref(sess.SandboxRef)
	for rel, file := range snap.Files {
		abs, err := workspacePath(sess.WorkspaceRoot, rel)
		if err != nil {
			return err
		}
		if err := b.driver.WriteFile(ctx, ref, abs, file.Content); err != nil {
			return errors.Wrapf(err, "replaying %s", rel)
		}
	}
	b.notifier.Notify(progress.Event{
		SessionID: sess.ID,
		Type:      progress.LogEvent,
		State:     sess.State,
		Message:   "replayed snapshot into fresh sandbox",
	})
	return nil
}
