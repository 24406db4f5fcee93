// Package deploy pushes workspace snapshots to a hosting provider as git commits. The push is
// a saga: content uploads happen first and the ref update, the only step users can observe,
// happens last.
package deploy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/vault"
	"github.com/PotLock/zerobuild/pkg/model"
)

// blobConcurrency bounds parallel content uploads per deployment.
const blobConcurrency = 8

// Pipeline deploys snapshots for sessions. It is safe for concurrent use.
type Pipeline struct {
	snapshots   *db.SnapshotStore
	deployments *db.DeploymentStore
	vault       *vault.Vault
	newRemote   func(token string) Remote
	branch      string
	log         *log.Entry
}

// New builds a pipeline. newRemote constructs a provider client bound to one token; branch is
// the ref pushed to, without the refs/heads/ prefix.
func New(
	snapshots *db.SnapshotStore,
	deployments *db.DeploymentStore,
	v *vault.Vault,
	newRemote func(token string) Remote,
	branch string,
) *Pipeline {
	return &Pipeline{
		snapshots:   snapshots,
		deployments: deployments,
		vault:       v,
		newRemote:   newRemote,
		branch:      branch,
		log:         log.WithField("component", "deploy"),
	}
}

// Request describes one deployment.
type Request struct {
	SessionID model.SessionID
	User      model.UserID
	RepoName  string
	// Version selects the snapshot to deploy; zero means latest.
	Version int
	Message string
}

// Result reports a finished deployment.
type Result struct {
	CommitSHA     string
	RepositoryURL string
	Version       int
	Outcome       model.DeployOutcome
	// AlreadyDeployed is true when the snapshot version had a prior successful deployment
	// and no new commit was pushed.
	AlreadyDeployed bool
}

// Deploy pushes the requested snapshot. Deploying a version that already deployed successfully
// returns the prior result without touching the remote.
func (p *Pipeline) Deploy(ctx context.Context, req Request) (*Result, error) {
	snap, err := p.loadSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}

	if prior, err := p.deployments.LastSuccess(ctx, req.SessionID, snap.Version); err == nil {
		p.log.WithFields(log.Fields{"session": req.SessionID, "version": snap.Version}).
			Info("snapshot version already deployed")
		return &Result{
			CommitSHA:       prior.CommitSHA,
			RepositoryURL:   prior.RepositoryURL,
			Version:         snap.Version,
			Outcome:         prior.Outcome,
			AlreadyDeployed: true,
		}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	var result *Result
	err = p.vault.WithToken(ctx, req.User, model.GitHubProvider, func(token string) error {
		var pushErr error
		result, pushErr = p.push(ctx, p.newRemote(token), req, snap)
		return pushErr
	})
	if err != nil {
		if KindOf(err) == KindAuth {
			if revokeErr := p.vault.MarkRevoked(ctx, req.User, model.GitHubProvider); revokeErr != nil {
				p.log.WithError(revokeErr).Error("failed to mark credential revoked")
			}
		}
		p.record(ctx, req, snap.Version, "", "", "", model.DeployFailed, err.Error())
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) loadSnapshot(ctx context.Context, req Request) (*model.Snapshot, error) {
	if req.Version > 0 {
		return p.snapshots.ByVersion(ctx, req.SessionID, req.Version)
	}
	return p.snapshots.Latest(ctx, req.SessionID)
}

func (p *Pipeline) push(
	ctx context.Context, remote Remote, req Request, snap *model.Snapshot,
) (*Result, error) {
	repo, err := remote.EnsureRepo(ctx, req.RepoName)
	if err != nil {
		return nil, err
	}

	entries, err := p.uploadBlobs(ctx, remote, repo, snap.Files)
	if err != nil {
		return nil, err
	}

	ref := "refs/heads/" + p.branch
	parent, baseTree, err := p.resolveBase(ctx, remote, repo, ref)
	if err != nil {
		return nil, err
	}

	message := req.Message
	if message == "" {
		message = fmt.Sprintf("zerobuild: snapshot v%d", snap.Version)
	}

	commitSHA, err := p.commit(ctx, remote, repo, baseTree, entries, message, parent)
	if err != nil {
		return nil, err
	}

	outcome := model.DeploySucceeded
	switch err := p.moveRef(ctx, remote, repo, ref, commitSHA, parent); {
	case err == nil:
	case KindOf(err) == KindConflict:
		// Someone moved the branch between our read and our update. Refresh the base and
		// rebuild the commit once; content blobs are addressed by digest and need no re-upload.
		parent, baseTree, err = p.resolveBase(ctx, remote, repo, ref)
		if err != nil {
			return nil, err
		}
		commitSHA, err = p.commit(ctx, remote, repo, baseTree, entries, message, parent)
		if err != nil {
			return nil, err
		}
		if err = p.moveRef(ctx, remote, repo, ref, commitSHA, parent); err != nil {
			return nil, err
		}
		outcome = model.DeployRetriedSuccess
	default:
		return nil, err
	}

	p.record(ctx, req, snap.Version, ref, commitSHA, repo.HTMLURL, outcome, "")
	p.log.WithFields(log.Fields{
		"session": req.SessionID,
		"version": snap.Version,
		"commit":  commitSHA,
		"repo":    repo.fullName(),
	}).Info("deployed snapshot")

	return &Result{
		CommitSHA:     commitSHA,
		RepositoryURL: repo.HTMLURL,
		Version:       snap.Version,
		Outcome:       outcome,
	}, nil
}

// uploadBlobs pushes file contents concurrently and returns tree entries in path order. The
// provider addresses blobs by content, so re-uploads of unchanged files are harmless.
func (p *Pipeline) uploadBlobs(
	ctx context.Context, remote Remote, repo RepoInfo, files model.FileMap,
) ([]TreeEntry, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	entries := make([]TreeEntry, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(blobConcurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			file := files[path]
			sha, err := remote.CreateBlob(ctx, repo, file.Content)
			if err != nil {
				return err
			}
			if file.Digest != "" && sha != file.Digest {
				return &RemoteError{
					Kind: KindPermanent,
					Step: "create-blob",
					Err: errors.Errorf(
						"blob sha mismatch for %s: stored %s, remote %s", path, file.Digest, sha),
				}
			}
			entries[i] = TreeEntry{Path: path, SHA: sha}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// resolveBase reads the current branch head and its tree. A missing ref means the branch does
// not exist yet; the commit then has no parent.
func (p *Pipeline) resolveBase(
	ctx context.Context, remote Remote, repo RepoInfo, ref string,
) (parent, baseTree string, err error) {
	parent, err = remote.GetRef(ctx, repo, ref)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return "", "", nil
		}
		return "", "", err
	}
	baseTree, err = remote.GetCommitTree(ctx, repo, parent)
	if err != nil {
		return "", "", err
	}
	return parent, baseTree, nil
}

func (p *Pipeline) commit(
	ctx context.Context,
	remote Remote,
	repo RepoInfo,
	baseTree string,
	entries []TreeEntry,
	message, parent string,
) (string, error) {
	treeSHA, err := remote.CreateTree(ctx, repo, baseTree, entries)
	if err != nil {
		return "", err
	}
	var parents []string
	if parent != "" {
		parents = append(parents, parent)
	}
	return remote.CreateCommit(ctx, repo, message, treeSHA, parents)
}

// moveRef updates the branch, or creates it when it had no prior head.
func (p *Pipeline) moveRef(
	ctx context.Context, remote Remote, repo RepoInfo, ref, sha, parent string,
) error {
	if parent == "" {
		return remote.CreateRef(ctx, repo, ref, sha)
	}
	return remote.UpdateRef(ctx, repo, ref, sha)
}

func (p *Pipeline) record(
	ctx context.Context,
	req Request,
	version int,
	ref, commitSHA, repoURL string,
	outcome model.DeployOutcome,
	reason string,
) {
	rec := &model.DeploymentRecord{
		SessionID:       req.SessionID,
		SnapshotVersion: version,
		RemoteRef:       ref,
		CommitSHA:       commitSHA,
		RepositoryURL:   repoURL,
		Outcome:         outcome,
		FailureReason:   reason,
		AttemptedAt:     time.Now().UTC(),
	}
	if err := p.deployments.Record(ctx, rec); err != nil {
		p.log.WithError(err).Error("failed to record deployment attempt")
	}
}
