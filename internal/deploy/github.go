package deploy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// RepoInfo identifies a remote repository the pipeline can push to.
type RepoInfo struct {
	Owner         string
	Name          string
	DefaultBranch string
	HTMLURL       string
	// Created is true when EnsureRepo had to create the repository.
	Created bool
}

func (r RepoInfo) fullName() string { return r.Owner + "/" + r.Name }

// TreeEntry is one file in a tree about to be committed.
type TreeEntry struct {
	Path string
	SHA  string
}

// Remote is the hosting-provider surface the pipeline depends on.
type Remote interface {
	EnsureRepo(ctx context.Context, name string) (RepoInfo, error)
	GetRef(ctx context.Context, repo RepoInfo, ref string) (string, error)
	GetCommitTree(ctx context.Context, repo RepoInfo, commitSHA string) (string, error)
	CreateBlob(ctx context.Context, repo RepoInfo, content []byte) (string, error)
	CreateTree(ctx context.Context, repo RepoInfo, baseTree string, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, repo RepoInfo, message, treeSHA string, parents []string) (string, error)
	UpdateRef(ctx context.Context, repo RepoInfo, ref, sha string) error
	CreateRef(ctx context.Context, repo RepoInfo, ref, sha string) error
}

// GitHubRemote implements Remote against the GitHub REST API.
type GitHubRemote struct {
	base   string
	token  string
	client *http.Client
}

// NewGitHubRemote builds a remote bound to one access token.
func NewGitHubRemote(base, token string) *GitHubRemote {
	return &GitHubRemote{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: cleanhttp.DefaultPooledClient(),
	}
}

func classifyStatus(status int, body string) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		if strings.Contains(strings.ToLower(body), "rate limit") {
			return KindTransient
		}
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnprocessableEntity:
		// Non-fast-forward ref updates come back as 422.
		if strings.Contains(strings.ToLower(body), "fast forward") {
			return KindConflict
		}
		return KindPermanent
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

func (g *GitHubRemote) do(
	ctx context.Context, step, method, path string, body, out interface{},
) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &RemoteError{Kind: KindPermanent, Step: step,
				Err: errors.Wrap(err, "encoding request")}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.base+path, reader)
	if err != nil {
		return &RemoteError{Kind: KindPermanent, Step: step, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &RemoteError{Kind: KindTransient, Step: step, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &RemoteError{Kind: KindTransient, Step: step,
			Err: errors.Wrap(err, "reading response")}
	}
	if resp.StatusCode >= 400 {
		return &RemoteError{
			Kind: classifyStatus(resp.StatusCode, string(raw)),
			Step: step,
			Err: errors.Errorf("%s %s: status %d: %s",
				method, path, resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &RemoteError{Kind: KindPermanent, Step: step,
				Err: errors.Wrap(err, "decoding response")}
		}
	}
	return nil
}

type userResponse struct {
	Login string `json:"login"`
}

type repoResponse struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// EnsureRepo finds the caller's repository by name, creating it when missing. Created
// repositories are initialized so their default branch exists.
func (g *GitHubRemote) EnsureRepo(ctx context.Context, name string) (RepoInfo, error) {
	var user userResponse
	if err := g.do(ctx, "ensure-repo", http.MethodGet, "/user", nil, &user); err != nil {
		return RepoInfo{}, err
	}

	var repo repoResponse
	err := g.do(ctx, "ensure-repo", http.MethodGet,
		fmt.Sprintf("/repos/%s/%s", user.Login, name), nil, &repo)
	if err == nil {
		return RepoInfo{
			Owner:         repo.Owner.Login,
			Name:          repo.Name,
			DefaultBranch: repo.DefaultBranch,
			HTMLURL:       repo.HTMLURL,
		}, nil
	}
	if KindOf(err) != KindNotFound {
		return RepoInfo{}, err
	}

	create := map[string]interface{}{
		"name":      name,
		"private":   false,
		"auto_init": true,
	}
	if err := g.do(ctx, "ensure-repo", http.MethodPost, "/user/repos", create, &repo); err != nil {
		return RepoInfo{}, err
	}
	return RepoInfo{
		Owner:         repo.Owner.Login,
		Name:          repo.Name,
		DefaultBranch: repo.DefaultBranch,
		HTMLURL:       repo.HTMLURL,
		Created:       true,
	}, nil
}

// GetRef resolves a ref like "refs/heads/main" to its commit sha.
func (g *GitHubRemote) GetRef(ctx context.Context, repo RepoInfo, ref string) (string, error) {
	short := strings.TrimPrefix(ref, "refs/")
	var resp struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := g.do(ctx, "get-ref", http.MethodGet,
		fmt.Sprintf("/repos/%s/git/ref/%s", repo.fullName(), short), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Object.SHA, nil
}

// GetCommitTree returns the tree sha a commit points at.
func (g *GitHubRemote) GetCommitTree(
	ctx context.Context, repo RepoInfo, commitSHA string,
) (string, error) {
	var resp struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	err := g.do(ctx, "get-commit", http.MethodGet,
		fmt.Sprintf("/repos/%s/git/commits/%s", repo.fullName(), commitSHA), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Tree.SHA, nil
}

// CreateBlob uploads one file's content and returns its blob sha.
func (g *GitHubRemote) CreateBlob(
	ctx context.Context, repo RepoInfo, content []byte,
) (string, error) {
	req := map[string]string{
		"content":  base64.StdEncoding.EncodeToString(content),
		"encoding": "base64",
	}
	var resp struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, "create-blob", http.MethodPost,
		fmt.Sprintf("/repos/%s/git/blobs", repo.fullName()), req, &resp)
	if err != nil {
		return "", err
	}
	return resp.SHA, nil
}

// CreateTree builds a tree on top of baseTree from the given entries.
func (g *GitHubRemote) CreateTree(
	ctx context.Context, repo RepoInfo, baseTree string, entries []TreeEntry,
) (string, error) {
	type treeItem struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	items := make([]treeItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, treeItem{Path: e.Path, Mode: "100644", Type: "blob", SHA: e.SHA})
	}
	req := map[string]interface{}{"tree": items}
	if baseTree != "" {
		req["base_tree"] = baseTree
	}
	var resp struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, "create-tree", http.MethodPost,
		fmt.Sprintf("/repos/%s/git/trees", repo.fullName()), req, &resp)
	if err != nil {
		return "", err
	}
	return resp.SHA, nil
}

// CreateCommit records a commit object pointing at treeSHA.
func (g *GitHubRemote) CreateCommit(
	ctx context.Context, repo RepoInfo, message, treeSHA string, parents []string,
) (string, error) {
	req := map[string]interface{}{
		"message": message,
		"tree":    treeSHA,
		"parents": parents,
	}
	var resp struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, "create-commit", http.MethodPost,
		fmt.Sprintf("/repos/%s/git/commits", repo.fullName()), req, &resp)
	if err != nil {
		return "", err
	}
	return resp.SHA, nil
}

// UpdateRef fast-forwards the ref to sha.
func (g *GitHubRemote) UpdateRef(ctx context.Context, repo RepoInfo, ref, sha string) error {
	short := strings.TrimPrefix(ref, "refs/")
	req := map[string]interface{}{"sha": sha, "force": false}
	return g.do(ctx, "update-ref", http.MethodPatch,
		fmt.Sprintf("/repos/%s/git/refs/%s", repo.fullName(), short), req, nil)
}

// CreateRef creates the ref pointing at sha, for repositories whose branch does not exist yet.
func (g *GitHubRemote) CreateRef(ctx context.Context, repo RepoInfo, ref, sha string) error {
	req := map[string]interface{}{"ref": ref, "sha": sha}
	return g.do(ctx, "create-ref", http.MethodPost,
		fmt.Sprintf("/repos/%s/git/refs", repo.fullName()), req, nil)
}

var _ Remote = (*GitHubRemote)(nil)
