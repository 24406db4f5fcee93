// Package core assembles the orchestration components and runs the server process.
package core

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PotLock/zerobuild/internal/api"
	"github.com/PotLock/zerobuild/internal/builder"
	"github.com/PotLock/zerobuild/internal/config"
	"github.com/PotLock/zerobuild/internal/db"
	"github.com/PotLock/zerobuild/internal/deploy"
	"github.com/PotLock/zerobuild/internal/gitops"
	"github.com/PotLock/zerobuild/internal/progress"
	"github.com/PotLock/zerobuild/internal/sandbox"
	"github.com/PotLock/zerobuild/internal/session"
	"github.com/PotLock/zerobuild/internal/vault"
	"github.com/PotLock/zerobuild/pkg/logger"
)

const shutdownGrace = 10 * time.Second

// Core owns every long-lived component of the process.
type Core struct {
	cfg       *config.Config
	store     *db.Store
	registry  *session.Registry
	builder   *builder.Builder
	notifier  *progress.Notifier
	server    *api.Server
	logBuffer *logger.LogBuffer
	log       *log.Entry
}

// New builds the component graph from configuration.
func New(cfg *config.Config, logBuffer *logger.LogBuffer) (*Core, error) {
	ctx := context.Background()

	store, err := db.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	driver, err := newDriver(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := progress.NewHub()
	notifier := progress.NewNotifier(hub, progress.LogSink{})

	registry := session.NewRegistry(cfg.Session.Capacity)
	b := builder.New(registry, store.Sessions(), store.Snapshots(), driver, notifier,
		builder.Config{
			Template:         cfg.Sandbox.Template,
			SandboxTimeout:   time.Duration(cfg.Sandbox.Timeout),
			ProvisionRetries: cfg.Build.ProvisionRetries,
			ProvisionBackoff: time.Duration(cfg.Build.ProvisionBackoff),
			PreviewPort:      cfg.Build.PreviewPort,
			TeardownTimeout:  time.Duration(cfg.Session.TeardownTimeout),
			IdleAfter:        time.Duration(cfg.Session.IdleTimeout),
			MaxIdleAge:       time.Duration(cfg.Session.MaxIdleAge),
		})

	v := vault.New(store.Credentials())
	pipeline := deploy.New(store.Snapshots(), store.Deployments(), v,
		func(token string) deploy.Remote {
			return deploy.NewGitHubRemote(cfg.GitHub.APIBase, token)
		},
		cfg.GitHub.DefaultBranch)
	git := gitops.New(cfg.GitHub.APIBase, v)

	var auth *api.AuthHandler
	if cfg.GitHub.ClientID != "" {
		auth = api.NewAuthHandler(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret,
			cfg.GitHub.APIBase, v)
	}

	server := api.NewServer(b, pipeline, registry, store, v, git, hub, logBuffer, auth)

	return &Core{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		builder:   b,
		notifier:  notifier,
		server:    server,
		logBuffer: logBuffer,
		log:       log.WithField("component", "core"),
	}, nil
}

func newDriver(cfg *config.Config) (sandbox.Driver, error) {
	switch cfg.Sandbox.Provider {
	case "remote":
		return sandbox.NewRemoteDriver(cfg.Sandbox.APIBase, cfg.Sandbox.APIKey), nil
	case "docker":
		return sandbox.NewDockerDriver(cfg.Sandbox.Image, cfg.Build.PreviewPort)
	default:
		return nil, errors.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}
}

// Run starts the process and blocks until shutdown. Interrupted sessions found in storage are
// rehydrated before the server accepts traffic.
func (c *Core) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.notifier.Start(ctx)

	ids, err := c.builder.Rehydrate(ctx)
	if err != nil {
		return errors.Wrap(err, "rehydrating sessions")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Port),
		Handler: c.server.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		// Resumes run under the group so shutdown waits for them instead of racing the
		// store close; a failed resume is logged, not fatal to the process.
		g.Go(func() error {
			if err := c.builder.Resume(ctx, id); err != nil {
				c.log.WithError(err).WithField("session", id).
					Error("failed to resume rehydrated session")
			}
			return nil
		})
	}
	g.Go(func() error {
		c.log.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		c.builder.RunIdleWatcher(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		c.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	var result *multierror.Error
	result = multierror.Append(result, g.Wait())
	c.notifier.Close()
	result = multierror.Append(result, errors.Wrap(c.store.Close(), "closing store"))
	return result.ErrorOrNil()
}
