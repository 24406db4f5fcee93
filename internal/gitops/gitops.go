// Package gitops covers the source-control host operations outside the deployment push:
// listing repositories, filing issues, and opening pull requests on behalf of a connected
// user.
package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PotLock/zerobuild/internal/vault"
	"github.com/PotLock/zerobuild/pkg/model"
)

// Repo summarizes one repository visible to the user.
type Repo struct {
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
}

// Issue is a filed issue.
type Issue struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// PullRequest is an opened pull request.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// Client performs user-scoped operations against the hosting provider. Tokens are fetched
// through the vault per call and never stored here.
type Client struct {
	base   string
	vault  *vault.Vault
	client *http.Client
	log    *log.Entry
}

// New builds a client against the given API base.
func New(base string, v *vault.Vault) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		vault:  v,
		client: cleanhttp.DefaultPooledClient(),
		log:    log.WithField("component", "gitops"),
	}
}

func (c *Client) do(
	ctx context.Context, user model.UserID, method, path string, body, out interface{},
) error {
	return c.vault.WithToken(ctx, user, model.GitHubProvider, func(token string) error {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return errors.Wrap(err, "encoding request")
			}
			reader = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return errors.Wrap(err, "building request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "%s %s", method, path)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return errors.Wrap(err, "reading response")
		}
		if resp.StatusCode == http.StatusUnauthorized {
			if revokeErr := c.vault.MarkRevoked(ctx, user, model.GitHubProvider); revokeErr != nil {
				c.log.WithError(revokeErr).Error("failed to mark credential revoked")
			}
			return vault.ErrNotConnected
		}
		if resp.StatusCode >= 400 {
			return errors.Errorf("%s %s: status %d: %s",
				method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		if out != nil {
			return errors.Wrap(json.Unmarshal(raw, out), "decoding response")
		}
		return nil
	})
}

// ListRepos returns the repositories the user can push to, most recently updated first.
func (c *Client) ListRepos(ctx context.Context, user model.UserID) ([]Repo, error) {
	var repos []Repo
	err := c.do(ctx, user, http.MethodGet,
		"/user/repos?sort=updated&per_page=50", nil, &repos)
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// CreateIssue files an issue on the repository.
func (c *Client) CreateIssue(
	ctx context.Context, user model.UserID, repoFullName, title, body string,
) (*Issue, error) {
	req := map[string]string{"title": title, "body": body}
	var issue Issue
	err := c.do(ctx, user, http.MethodPost,
		fmt.Sprintf("/repos/%s/issues", repoFullName), req, &issue)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreatePullRequest opens a pull request from head into base.
func (c *Client) CreatePullRequest(
	ctx context.Context, user model.UserID, repoFullName, title, body, head, base string,
) (*PullRequest, error) {
	req := map[string]string{"title": title, "body": body, "head": head, "base": base}
	var pr PullRequest
	err := c.do(ctx, user, http.MethodPost,
		fmt.Sprintf("/repos/%s/pulls", repoFullName), req, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}
