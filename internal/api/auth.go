package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PotLock/zerobuild/internal/vault"
	"github.com/PotLock/zerobuild/pkg/model"
)

const githubOAuthBase = "https://github.com/login/oauth"

// authStateTTL bounds how long a minted authorize link stays redeemable. Abandoned states are
// pruned on the next mint so the map cannot grow without bound.
const authStateTTL = 10 * time.Minute

// AuthHandler runs the provider authorization flow. It exchanges the user's authorization
// code for a token and writes exactly one credential through the vault; the token value is
// never logged or returned to the caller.
type AuthHandler struct {
	clientID     string
	clientSecret string
	apiBase      string
	oauthBase    string
	vault        *vault.Vault
	client       *http.Client
	log          *log.Entry

	mu     sync.Mutex
	states map[string]pendingAuth
}

type pendingAuth struct {
	user    model.UserID
	expires time.Time
}

// NewAuthHandler builds the handler for a configured OAuth app.
func NewAuthHandler(clientID, clientSecret, apiBase string, v *vault.Vault) *AuthHandler {
	return &AuthHandler{
		clientID:     clientID,
		clientSecret: clientSecret,
		apiBase:      strings.TrimRight(apiBase, "/"),
		oauthBase:    githubOAuthBase,
		vault:        v,
		client:       cleanhttp.DefaultClient(),
		log:          log.WithField("component", "auth"),
		states:       make(map[string]pendingAuth),
	}
}

// AuthorizeURL mints a single-use state for the user and returns the provider authorize URL.
func (a *AuthHandler) AuthorizeURL(user model.UserID) string {
	state := uuid.New().String()
	now := time.Now()

	a.mu.Lock()
	for s, pending := range a.states {
		if now.After(pending.expires) {
			delete(a.states, s)
		}
	}
	a.states[state] = pendingAuth{user: user, expires: now.Add(authStateTTL)}
	a.mu.Unlock()

	q := url.Values{}
	q.Set("client_id", a.clientID)
	q.Set("scope", "repo")
	q.Set("state", state)
	return a.oauthBase + "/authorize?" + q.Encode()
}

func (a *AuthHandler) userForState(state string) (model.UserID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending, ok := a.states[state]
	if !ok {
		return "", false
	}
	delete(a.states, state)
	if time.Now().After(pending.expires) {
		return "", false
	}
	return pending.user, true
}

// Exchange trades the authorization code for a token and stores the credential.
func (a *AuthHandler) Exchange(ctx context.Context, user model.UserID, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.oauthBase+"/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "building token request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "exchanging authorization code")
	}
	defer resp.Body.Close()

	var token struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&token); err != nil {
		return "", errors.Wrap(err, "decoding token response")
	}
	if token.Error != "" || token.AccessToken == "" {
		return "", errors.Errorf("authorization exchange rejected: %s", token.Error)
	}

	username, err := a.fetchUsername(ctx, token.AccessToken)
	if err != nil {
		return "", err
	}
	if err := a.vault.Put(ctx, user, model.GitHubProvider,
		token.AccessToken, username, nil); err != nil {
		return "", err
	}
	return username, nil
}

func (a *AuthHandler) fetchUsername(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/user", nil)
	if err != nil {
		return "", errors.Wrap(err, "building user request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetching provider account")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", errors.Errorf("fetching provider account: status %d", resp.StatusCode)
	}

	var user struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return "", errors.Wrap(err, "decoding provider account")
	}
	return user.Login, nil
}

func (s *Server) authRedirect(c echo.Context) error {
	if s.auth == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no OAuth app configured")
	}
	user := model.UserID(c.QueryParam("user"))
	if user == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user is required")
	}
	return c.Redirect(http.StatusFound, s.auth.AuthorizeURL(user))
}

func (s *Server) authCallback(c echo.Context) error {
	if s.auth == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no OAuth app configured")
	}
	code, state := c.QueryParam("code"), c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code and state are required")
	}
	user, ok := s.auth.userForState(state)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired state")
	}

	username, err := s.auth.Exchange(c.Request().Context(), user, code)
	if err != nil {
		s.log.WithError(err).WithField("user", user).Warn("authorization exchange failed")
		return echo.NewHTTPError(http.StatusBadGateway, "authorization exchange failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connected": true,
		"username":  username,
	})
}

func (s *Server) disconnect(c echo.Context) error {
	user := model.UserID(c.Param("user"))
	if err := s.vault.Disconnect(c.Request().Context(), user, model.GitHubProvider); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
