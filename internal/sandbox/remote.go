package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RemoteDriver talks to a hosted sandbox provider over its REST API.
type RemoteDriver struct {
	base   string
	apiKey string
	client *http.Client
	log    *log.Entry
}

// NewRemoteDriver builds a driver against the given API base URL.
func NewRemoteDriver(base, apiKey string) *RemoteDriver {
	return &RemoteDriver{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		client: cleanhttp.DefaultPooledClient(),
		log:    log.WithField("component", "sandbox-remote"),
	}
}

type createRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	SandboxID string `json:"sandboxID"`
}

type commandRequest struct {
	Cmd  string            `json:"cmd"`
	Cwd  string            `json:"cwd,omitempty"`
	Envs map[string]string `json:"envs,omitempty"`
}

type commandResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (d *RemoteDriver) do(
	ctx context.Context, method, path string, body, out interface{},
) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "encoding request body")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.base+path, reader)
	if err != nil {
		return 0, errors.Wrap(err, "building request")
	}
	req.Header.Set("X-API-Key", d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "reading response body")
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, errors.Errorf(
			"%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decoding response body")
		}
	}
	return resp.StatusCode, nil
}

// Create provisions a sandbox from the requested template.
func (d *RemoteDriver) Create(ctx context.Context, spec Spec) (Ref, error) {
	req := createRequest{
		TemplateID: spec.Template,
		Timeout:    int(spec.Timeout.Seconds()),
	}
	var resp createResponse
	if _, err := d.do(ctx, http.MethodPost, "/v0/sandboxes", req, &resp); err != nil {
		return "", err
	}
	if resp.SandboxID == "" {
		return "", errors.New("provider returned an empty sandbox id")
	}
	d.log.WithField("sandbox", resp.SandboxID).Infof("created %s sandbox", spec.Template)
	return Ref(resp.SandboxID), nil
}

// Exec runs cmd in cwd inside the sandbox.
func (d *RemoteDriver) Exec(
	ctx context.Context, ref Ref, cwd string, cmd string,
) (CommandResult, error) {
	var resp commandResponse
	path := fmt.Sprintf("/v0/sandboxes/%s/commands", url.PathEscape(string(ref)))
	if _, err := d.do(ctx, http.MethodPost, path, commandRequest{Cmd: cmd, Cwd: cwd}, &resp); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

// WriteFile uploads content to path inside the sandbox.
func (d *RemoteDriver) WriteFile(ctx context.Context, ref Ref, path string, content []byte) error {
	u := fmt.Sprintf("/v0/sandboxes/%s/files?path=%s",
		url.PathEscape(string(ref)), url.QueryEscape(path))
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, d.base+u, bytes.NewReader(content))
	if err != nil {
		return errors.Wrap(err, "building file upload request")
	}
	req.Header.Set("X-API-Key", d.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "uploading %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("uploading %s: status %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// ReadFile downloads the file at path from the sandbox.
func (d *RemoteDriver) ReadFile(ctx context.Context, ref Ref, path string) ([]byte, error) {
	u := fmt.Sprintf("/v0/sandboxes/%s/files?path=%s",
		url.PathEscape(string(ref)), url.QueryEscape(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building file download request")
	}
	req.Header.Set("X-API-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("downloading %s: status %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
}

// List enumerates the files under root by running find inside the sandbox, since the provider
// exposes no recursive listing endpoint.
func (d *RemoteDriver) List(ctx context.Context, ref Ref, root string) ([]FileEntry, error) {
	cmd := fmt.Sprintf(`find %s -type f -printf '%%s\t%%P\n'`, shellQuote(root))
	res, err := d.Exec(ctx, ref, "/", cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errors.Errorf("listing %s: find exited %d: %s",
			root, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseFindOutput(res.Stdout), nil
}

func parseFindOutput(out string) []FileEntry {
	var entries []FileEntry
	for _, line := range strings.Split(out, "\n") {
		size, path, ok := strings.Cut(line, "\t")
		if !ok || path == "" || Skippable(path) {
			continue
		}
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, FileEntry{Path: path, Size: n})
	}
	return entries
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// PreviewURL derives the public host for a sandbox port from the API base domain.
func (d *RemoteDriver) PreviewURL(_ context.Context, ref Ref, port int) (string, error) {
	u, err := url.Parse(d.base)
	if err != nil {
		return "", errors.Wrap(err, "parsing API base")
	}
	domain := strings.TrimPrefix(u.Hostname(), "api.")
	return fmt.Sprintf("https://%d-%s.%s", port, ref, domain), nil
}

// Destroy deletes the sandbox. A 404 from the provider means the sandbox already expired,
// which counts as success.
func (d *RemoteDriver) Destroy(ctx context.Context, ref Ref) error {
	path := fmt.Sprintf("/v0/sandboxes/%s", url.PathEscape(string(ref)))
	code, err := d.do(ctx, http.MethodDelete, path, nil, nil)
	if code == http.StatusNotFound {
		d.log.WithField("sandbox", ref).Debug("sandbox already gone")
		return nil
	}
	return err
}

var _ Driver = (*RemoteDriver)(nil)
