// Package api exposes the orchestration core over HTTP: session lifecycle, build cycles,
// deployments, source-control operations, provider authorization, and progress websockets.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PotLock/zerobuild/internal/builder"
	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/deploy"
	"github.com/PotLock/zerobuild/internal/gitops"
	"github.com/PotLock/zerobuild/internal/session"
	"github.com/PotLock/zerobuild/internal/vault"
	"github.com/PotLock/zerobuild/pkg/logger"
	"github.com/PotLock/zerobuild/pkg/model"
)

// Server wires the core components to HTTP routes.
type Server struct {
	echo      *echo.Echo
	builder   *builder.Builder
	pipeline  *deploy.Pipeline
	registry  *session.Registry
	store     *db.Store
	vault     *vault.Vault
	gitops    *gitops.Client
	hub       Hub
	logBuffer *logger.LogBuffer
	auth      *AuthHandler
	log       *log.Entry
}

// NewServer builds the HTTP layer. auth may be nil when no OAuth app is configured; the
// connect routes then answer 501.
func NewServer(
	b *builder.Builder,
	pipeline *deploy.Pipeline,
	registry *session.Registry,
	store *db.Store,
	v *vault.Vault,
	git *gitops.Client,
	hub Hub,
	logBuffer *logger.LogBuffer,
	auth *AuthHandler,
) *Server {
	s := &Server{
		builder:   b,
		pipeline:  pipeline,
		registry:  registry,
		store:     store,
		vault:     v,
		gitops:    git,
		hub:       hub,
		logBuffer: logBuffer,
		auth:      auth,
		log:       log.WithField("component", "api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger = logger.New()
	e.Use(middleware.Recover())

	e.GET("/health", s.health)
	e.GET("/api/v1/master/logs", s.masterLogs)

	e.POST("/api/v1/builds", s.startBuild)
	e.GET("/api/v1/users/:user/session", s.activeSession)
	e.GET("/api/v1/sessions/:id", s.getSession)
	e.DELETE("/api/v1/sessions/:id", s.terminateSession)
	e.POST("/api/v1/sessions/:id/cycles", s.runCycle)
	e.GET("/api/v1/sessions/:id/snapshots", s.listSnapshots)
	e.POST("/api/v1/sessions/:id/deploy", s.deploySession)
	e.GET("/api/v1/sessions/:id/deployments", s.listDeployments)
	e.GET("/api/v1/sessions/:id/events", s.sessionEvents)

	e.GET("/api/v1/users/:user/repos", s.listRepos)
	e.POST("/api/v1/users/:user/repos/:owner/:repo/issues", s.createIssue)
	e.POST("/api/v1/users/:user/repos/:owner/:repo/pulls", s.createPullRequest)

	e.GET("/auth/github", s.authRedirect)
	e.GET("/auth/github/callback", s.authCallback)
	e.DELETE("/auth/github/:user", s.disconnect)

	s.echo = e
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"active_sessions":  s.registry.Len(),
		"github_connected": s.auth != nil,
	})
}

func (s *Server) masterLogs(c echo.Context) error {
	args := struct {
		LessThanID    *int `query:"less_than_id"`
		GreaterThanID *int `query:"greater_than_id"`
		Limit         *int `query:"tail"`
	}{}
	if err := c.Bind(&args); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	limit := -1
	if args.Limit != nil {
		limit = *args.Limit
	}
	startID, endID := -1, -1
	if args.GreaterThanID != nil {
		startID = *args.GreaterThanID + 1
	}
	if args.LessThanID != nil {
		endID = *args.LessThanID
	}
	return c.JSON(http.StatusOK, s.logBuffer.Entries(startID, endID, limit))
}

type startBuildRequest struct {
	UserID        model.UserID `json:"user_id"`
	DisplayName   string       `json:"display_name"`
	PlanConfirmed bool         `json:"plan_confirmed"`
}

func (s *Server) startBuild(c echo.Context) error {
	var req startBuildRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	sess, err := s.builder.StartSession(
		c.Request().Context(), req.UserID, req.DisplayName, req.PlanConfirmed)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) activeSession(c echo.Context) error {
	sess, err := s.store.Sessions().ActiveByUser(
		c.Request().Context(), model.UserID(c.Param("user")))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.store.Sessions().ByID(
		c.Request().Context(), model.SessionID(c.Param("id")))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) terminateSession(c echo.Context) error {
	id := model.SessionID(c.Param("id"))
	if err := s.builder.Terminate(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type cycleRequest struct {
	// Files maps workspace-relative paths to UTF-8 content.
	Files   map[string]string `json:"files"`
	Command string            `json:"command"`
}

func (s *Server) runCycle(c echo.Context) error {
	var req cycleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	files := make(map[string][]byte, len(req.Files))
	for p, content := range req.Files {
		files[p] = []byte(content)
	}

	res, err := s.builder.RunCycle(c.Request().Context(), model.SessionID(c.Param("id")),
		builder.CycleRequest{Files: files, Command: req.Command})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listSnapshots(c echo.Context) error {
	versions, err := s.store.Snapshots().Versions(
		c.Request().Context(), model.SessionID(c.Param("id")))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"versions": versions})
}

type deployRequest struct {
	UserID   model.UserID `json:"user_id"`
	RepoName string       `json:"repo_name"`
	Version  int          `json:"version"`
	Message  string       `json:"message"`
}

func (s *Server) deploySession(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RepoName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "repo_name is required")
	}

	res, err := s.pipeline.Deploy(c.Request().Context(), deploy.Request{
		SessionID: model.SessionID(c.Param("id")),
		User:      req.UserID,
		RepoName:  req.RepoName,
		Version:   req.Version,
		Message:   req.Message,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listDeployments(c echo.Context) error {
	recs, err := s.store.Deployments().BySession(
		c.Request().Context(), model.SessionID(c.Param("id")))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) listRepos(c echo.Context) error {
	repos, err := s.gitops.ListRepos(c.Request().Context(), model.UserID(c.Param("user")))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, repos)
}

type issueRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) createIssue(c echo.Context) error {
	var req issueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	issue, err := s.gitops.CreateIssue(c.Request().Context(),
		model.UserID(c.Param("user")),
		c.Param("owner")+"/"+c.Param("repo"),
		req.Title, req.Body)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, issue)
}

type pullRequestRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

func (s *Server) createPullRequest(c echo.Context) error {
	var req pullRequestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pr, err := s.gitops.CreatePullRequest(c.Request().Context(),
		model.UserID(c.Param("user")),
		c.Param("owner")+"/"+c.Param("repo"),
		req.Title, req.Body, req.Head, req.Base)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, pr)
}

// mapError translates core error types to HTTP statuses.
func mapError(err error) error {
	var buildErr *builder.BuildError
	var pathErr *builder.PathEscapeError
	switch {
	case errors.Is(err, db.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrPlanNotConfirmed):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &pathErr):
		return echo.NewHTTPError(http.StatusBadRequest, pathErr.Error())
	case errors.Is(err, vault.ErrNotConnected):
		return echo.NewHTTPError(http.StatusUnauthorized,
			"provider account not connected; visit /auth/github to authorize")
	case errors.As(err, &buildErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, buildErr.Error())
	}
	switch err.(type) {
	case session.ErrAlreadyActive, db.ErrUserHasActiveSession:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case session.ErrCapacityExceeded:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case session.ErrNotRegistered:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	switch deploy.KindOf(err) {
	case deploy.KindAuth:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case deploy.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
