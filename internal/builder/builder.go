// Package builder drives build sessions through their lifecycle: provisioning a sandbox,
// running scaffold and build cycles inside it, capturing snapshots at durability boundaries,
// and tearing the sandbox down.
package builder

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/progress"
	"github.com/PotLock/zerobuild/internal/sandbox"
	"github.com/PotLock/zerobuild/internal/session"
	"github.com/PotLock/zerobuild/pkg/model"
)

// DefaultBuildCommand runs when a cycle does not name its own command.
const DefaultBuildCommand = "npm run build"

const scaffoldCommand = "npm install"

// Config carries the tunables of the build lifecycle.
type Config struct {
	Template         string
	SandboxTimeout   time.Duration
	ProvisionRetries uint
	ProvisionBackoff time.Duration
	PreviewPort      int
	TeardownTimeout  time.Duration
	// IdleAfter is how long a session may sit without activity before it is marked idle.
	IdleAfter time.Duration
	// MaxIdleAge is how long an idle session keeps its sandbox before teardown.
	MaxIdleAge time.Duration
}

// BuildError reports a command that failed inside the sandbox. The session stays alive; the
// user can fix the problem and run another cycle.
type BuildError struct {
	Step     string
	ExitCode int
	Stderr   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s exited %d: %s", e.Step, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// PathEscapeError reports a cycle file path that resolves outside the workspace root.
type PathEscapeError struct {
	Path string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path %q escapes the workspace root", e.Path)
}

// Builder is the session state machine. All per-session work is serialized through the
// registry handle's lock; no cross-session lock is held during sandbox or store calls.
type Builder struct {
	registry  *session.Registry
	sessions  *db.SessionStore
	snapshots *db.SnapshotStore
	driver    sandbox.Driver
	notifier  *progress.Notifier
	cfg       Config
	log       *log.Entry
}

// New assembles a builder.
func New(
	registry *session.Registry,
	sessions *db.SessionStore,
	snapshots *db.SnapshotStore,
	driver sandbox.Driver,
	notifier *progress.Notifier,
	cfg Config,
) *Builder {
	return &Builder{
		registry:  registry,
		sessions:  sessions,
		snapshots: snapshots,
		driver:    driver,
		notifier:  notifier,
		cfg:       cfg,
		log:       log.WithField("component", "builder"),
	}
}

// StartSession admits a session for the user and drives it through provisioning and
// scaffolding. On return the session is in Building with snapshot version 1 captured, or in
// Failed with the sandbox torn down.
func (b *Builder) StartSession(
	ctx context.Context, user model.UserID, displayName string, planConfirmed bool,
) (*model.Session, error) {
	if !planConfirmed {
		return nil, session.ErrPlanNotConfirmed
	}
	if displayName == "" {
		displayName = petname.Generate(2, "-")
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:            model.NewSessionID(),
		UserID:        user,
		DisplayName:   displayName,
		State:         model.PendingState,
		PlanConfirmed: true,
		WorkspaceRoot: model.DefaultWorkspaceRoot,
		CreatedAt:     now,
		LastActiveAt:  now,
	}

	h, err := b.registry.Admit(sess)
	if err != nil {
		return nil, err
	}
	if err := b.sessions.Insert(ctx, sess); err != nil {
		b.registry.Release(sess.ID)
		return nil, err
	}

	h.Mu.Lock()
	defer h.Mu.Unlock()
	if err := b.bringUp(ctx, h); err != nil {
		return nil, err
	}
	return sess, nil
}

// bringUp takes a Pending session through Provisioning and Scaffolding into Building,
// capturing the initial snapshot. Caller holds the handle lock. Sandbox calls run under the
// handle's operation context; when Terminate interrupts one, teardown is left to the
// interrupter.
func (b *Builder) bringUp(ctx context.Context, h *session.Handle) error {
	sess := h.Session
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

	res, err := b.driver.Exec(opCtx, ref, sess.WorkspaceRoot, scaffoldCommand)
	if err != nil {
		if opCtx.Err() != nil {
			return errors.Wrap(opCtx.Err(), "scaffold interrupted")
		}
		b.fail(ctx, h, "scaffold", err)
		return errors.Wrap(err, "scaffolding workspace")
	}
	if res.ExitCode != 0 {
		buildErr := &BuildError{Step: "scaffold", ExitCode: res.ExitCode, Stderr: res.Stderr}
		b.fail(ctx, h, "scaffold", buildErr)
		return buildErr
	}

	snap, err := b.capture(opCtx, sess)
	if err != nil {
		if opCtx.Err() != nil {
			return errors.Wrap(opCtx.Err(), "snapshot interrupted")
		}
		b.fail(ctx, h, "snapshot", err)
		return err
	}

	if err := b.transition(ctx, sess, model.BuildingState,
		fmt.Sprintf("workspace ready, snapshot v%d captured", snap.Version)); err != nil {
		return err
	}
	return nil
}

// provision creates a sandbox with bounded exponential-backoff retries. Provider quota makes
// unbounded retrying worse than failing.
func (b *Builder) provision(ctx context.Context) (sandbox.Ref, error) {
	spec := sandbox.Spec{Template: b.cfg.Template, Timeout: b.cfg.SandboxTimeout}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.ProvisionBackoff

	var ref sandbox.Ref
	err := backoff.Retry(func() error {
		var err error
		ref, err = b.driver.Create(ctx, spec)
		if err != nil {
			b.log.WithError(err).Warn("sandbox create failed, backing off")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.ProvisionRetries)), ctx))
	if err != nil {
		return "", err
	}
	return ref, nil
}

// CycleRequest is one edit-build unit of work.
type CycleRequest struct {
	// Files maps workspace-relative paths to new content, applied before the command runs.
	Files map[string][]byte
	// Command overrides the default build command.
	Command string
}

// CycleResult reports a completed unit of work.
type CycleResult struct {
	SnapshotVersion int
	PreviewURL      string
	State           model.BuildState
}

// RunCycle applies file changes, runs the build command, and on success captures a snapshot
// before any progress is reported. It then probes the preview endpoint and promotes the
// session to PreviewReady when the endpoint answers.
func (b *Builder) RunCycle(
	ctx context.Context, id model.SessionID, req CycleRequest,
) (*CycleResult, error) {
	h, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	h.Mu.Lock()
	defer h.Mu.Unlock()

	sess := h.Session
	if !sess.PlanConfirmed {
		return nil, session.ErrPlanNotConfirmed
	}
	if !sess.SandboxLive() {
		return nil, errors.Errorf("session %s has no live sandbox (state %s)", id, sess.State)
	}
	if sess.State != model.BuildingState {
		if err := b.transition(ctx, sess, model.BuildingState, ""); err != nil {
			return nil, err
		}
	}

	opCtx, done := h.OpContext(ctx)
	defer done()

	ref := sandbox.Ref(sess.SandboxRef)
	for rel, content := range req.Files {
		abs, err := workspacePath(sess.WorkspaceRoot, rel)
		if err != nil {
			return nil, err
		}
		if err := b.driver.WriteFile(opCtx, ref, abs, content); err != nil {
			if opCtx.Err() != nil {
				return nil, errors.Wrap(opCtx.Err(), "write interrupted")
			}
			b.fail(ctx, h, "write-file", err)
			return nil, errors.Wrapf(err, "writing %s", rel)
		}
	}

	command := req.Command
	if command == "" {
		command = DefaultBuildCommand
	}
	res, err := b.driver.Exec(opCtx, ref, sess.WorkspaceRoot, command)
	if err != nil {
		if opCtx.Err() != nil {
			return nil, errors.Wrap(opCtx.Err(), "build interrupted")
		}
		b.fail(ctx, h, "build", err)
		return nil, errors.Wrap(err, "running build command")
	}
	if res.ExitCode != 0 {
		// The build failed but the workspace is intact; the session stays in Building.
		buildErr := &BuildError{Step: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
		b.touch(ctx, sess)
		b.notifier.Notify(progress.Event{
			SessionID: sess.ID,
			Type:      progress.ErrorEvent,
			State:     sess.State,
			Message:   buildErr.Error(),
		})
		return nil, buildErr
	}

	// Durability boundary: the snapshot lands before progress is reported outward.
	snap, err := b.capture(opCtx, sess)
	if err != nil {
		if opCtx.Err() != nil {
			return nil, errors.Wrap(opCtx.Err(), "snapshot interrupted")
		}
		return nil, err
	}

	result := &CycleResult{SnapshotVersion: snap.Version, State: sess.State}
	if url, ok := b.probePreview(opCtx, ref); ok {
		if err := b.transition(ctx, sess, model.PreviewReadyState, "preview at "+url); err != nil {
			return nil, err
		}
		b.notifier.Notify(progress.Event{
			SessionID: sess.ID,
			Type:      progress.PreviewEvent,
			State:     sess.State,
			URL:       url,
		})
		result.PreviewURL = url
		result.State = sess.State
	} else {
		b.touch(ctx, sess)
		b.notifier.Notify(progress.Event{
			SessionID: sess.ID,
			Type:      progress.LogEvent,
			State:     sess.State,
			Message:   fmt.Sprintf("build succeeded, snapshot v%d captured", snap.Version),
		})
	}
	return result, nil
}

// workspacePath resolves a workspace-relative path, rejecting anything that escapes the
// workspace root.
func workspacePath(root, rel string) (string, error) {
	clean := path.Clean(rel)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &PathEscapeError{Path: rel}
	}
	return path.Join(root, clean), nil
}

func (b *Builder) probePreview(ctx context.Context, ref sandbox.Ref) (string, bool) {
	probe := fmt.Sprintf("curl -sf -o /dev/null http://localhost:%d", b.cfg.PreviewPort)
	res, err := b.driver.Exec(ctx, ref, "/", probe)
	if err != nil || res.ExitCode != 0 {
		return "", false
	}
	url, err := b.driver.PreviewURL(ctx, ref, b.cfg.PreviewPort)
	if err != nil {
		b.log.WithError(err).Warn("preview endpoint answered but URL resolution failed")
		return "", false
	}
	return url, true
}

// capture reads the workspace out of the sandbox and appends it as a new snapshot version.
func (b *Builder) capture(ctx context.Context, sess *model.Session) (*model.Snapshot, error) {
	ref := sandbox.Ref(sess.SandboxRef)
	entries, err := b.driver.List(ctx, ref, sess.WorkspaceRoot)
	if err != nil {
		return nil, errors.Wrap(err, "listing workspace")
	}

	files := make(model.FileMap, len(entries))
	for _, e := range entries {
		content, err := b.driver.ReadFile(ctx, ref, path.Join(sess.WorkspaceRoot, e.Path))
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", e.Path)
		}
		files[e.Path] = model.NewSnapshotFile(content)
	}

	snap, err := b.snapshots.Append(ctx, sess.ID, files)
	if err != nil {
		return nil, errors.Wrap(err, "persisting snapshot")
	}
	return snap, nil
}

// Terminate destroys the session's sandbox and moves it to Destroyed. Teardown is bounded: an
// unresponsive sandbox cannot keep the session alive, and an in-flight sandbox operation is
// cancelled rather than waited out.
func (b *Builder) Terminate(ctx context.Context, id model.SessionID) error {
	h, err := b.registry.Get(id)
	if err != nil {
		return err
	}
	h.Interrupt()
	h.Mu.Lock()
	defer h.Mu.Unlock()
	if h.Session.Terminal() {
		b.registry.Release(h.Session.ID)
		return nil
	}
	return b.teardown(ctx, h, model.DestroyedState, "")
}

// teardown finishes the session in the given terminal state. Caller holds the handle lock.
func (b *Builder) teardown(
	ctx context.Context, h *session.Handle, terminal model.BuildState, reason string,
) error {
	sess := h.Session

	if sess.SandboxRef != "" {
		destroyCtx, cancel := context.WithTimeout(ctx, b.cfg.TeardownTimeout)
		if err := b.driver.Destroy(destroyCtx, sandbox.Ref(sess.SandboxRef)); err != nil {
			b.log.WithError(err).WithField("session", sess.ID).
				Error("sandbox destroy did not complete; proceeding to teardown")
		}
		cancel()
	}

	sess.FailureReason = reason
	if err := b.transition(ctx, sess, terminal, reason); err != nil {
		return err
	}
	b.registry.Release(sess.ID)
	return nil
}

// fail moves the session to Failed with best-effort teardown. Caller holds the handle lock.
func (b *Builder) fail(ctx context.Context, h *session.Handle, step string, cause error) {
	reason := fmt.Sprintf("%s: %v", step, cause)
	if err := b.teardown(ctx, h, model.FailedState, reason); err != nil {
		b.log.WithError(err).WithField("session", h.Session.ID).
			Error("failed session teardown did not complete cleanly")
	}
}

// transition applies a state change, persists it, and reports it. Message is optional extra
// context for subscribers.
func (b *Builder) transition(
	ctx context.Context, sess *model.Session, to model.BuildState, message string,
) error {
	changed, err := sess.Transition(to)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	sess.LastActiveAt = time.Now().UTC()
	if err := b.sessions.Update(ctx, sess); err != nil {
		return errors.Wrapf(err, "persisting transition to %s", to)
	}
	b.notifier.Notify(progress.Event{
		SessionID: sess.ID,
		Type:      progress.StateEvent,
		State:     to,
		Message:   message,
	})
	return nil
}

func (b *Builder) touch(ctx context.Context, sess *model.Session) {
	sess.LastActiveAt = time.Now().UTC()
	if err := b.sessions.Update(ctx, sess); err != nil {
		b.log.WithError(err).WithField("session", sess.ID).Warn("failed to record activity")
	}
}
