// Package config resolves the zerobuild daemon configuration from its config file, environment
// variables, and command line flags.
package config

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/PotLock/zerobuild/pkg/logger"
	"github.com/PotLock/zerobuild/pkg/model"
)

// These are package-level to be shared between the sandbox drivers and the builder defaults.
const (
	// DefaultSandboxTemplate is the provider template new sandboxes are created from.
	DefaultSandboxTemplate = "nextjs"
	// DefaultPreviewPort is the port probed for preview readiness.
	DefaultPreviewPort = 3000
)

// Config is the zerobuild daemon configuration.
type Config struct {
	ConfigFile string        `json:"config_file"`
	Log        logger.Config `json:"log"`
	Port       int           `json:"port"`
	DBPath     string        `json:"db_path"`

	Session SessionConfig `json:"session"`
	Sandbox SandboxConfig `json:"sandbox"`
	Build   BuildConfig   `json:"build"`
	GitHub  GitHubConfig  `json:"github"`
}

// SessionConfig bounds the session registry and the idle reaper.
type SessionConfig struct {
	Capacity        int            `json:"capacity"`
	IdleTimeout     model.Duration `json:"idle_timeout"`
	MaxIdleAge      model.Duration `json:"max_idle_age"`
	TeardownTimeout model.Duration `json:"teardown_timeout"`
}

// Validate implements the check.Validatable interface.
func (c SessionConfig) Validate() []error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, errors.New("session.capacity must be positive"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be positive"))
	}
	if c.MaxIdleAge <= 0 {
		errs = append(errs, errors.New("session.max_idle_age must be positive"))
	}
	if c.TeardownTimeout <= 0 {
		errs = append(errs, errors.New("session.teardown_timeout must be positive"))
	}
	return errs
}

// SandboxConfig selects and configures the sandbox provider.
type SandboxConfig struct {
	Provider string         `json:"provider"`
	APIBase  string         `json:"api_base"`
	APIKey   string         `json:"api_key"`
	Template string         `json:"template"`
	Timeout  model.Duration `json:"timeout"`
	Image    string         `json:"image"`
}

// Validate implements the check.Validatable interface.
func (c SandboxConfig) Validate() []error {
	switch c.Provider {
	case "remote", "docker":
		return nil
	default:
		return []error{errors.Errorf("sandbox.provider must be remote or docker, got %q", c.Provider)}
	}
}

// BuildConfig bounds provisioning retries.
type BuildConfig struct {
	ProvisionRetries uint           `json:"provision_retries"`
	ProvisionBackoff model.Duration `json:"provision_backoff"`
	PreviewPort      int            `json:"preview_port"`
}

// Validate implements the check.Validatable interface.
func (c BuildConfig) Validate() []error {
	if c.ProvisionBackoff <= 0 {
		return []error{errors.New("build.provision_backoff must be positive")}
	}
	return nil
}

// GitHubConfig configures the source-control remote and the OAuth connect flow.
type GitHubConfig struct {
	APIBase       string `json:"api_base"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	DefaultBranch string `json:"default_branch"`
}

// DefaultConfig returns the default configuration of the daemon.
func DefaultConfig() *Config {
	return &Config{
		Log:    *logger.DefaultConfig(),
		Port:   8092,
		DBPath: "zerobuild.db",
		Session: SessionConfig{
			Capacity:        32,
			IdleTimeout:     model.Duration(10 * time.Minute),
			MaxIdleAge:      model.Duration(time.Hour),
			TeardownTimeout: model.Duration(30 * time.Second),
		},
		Sandbox: SandboxConfig{
			Provider: "remote",
			APIBase:  "https://api.e2b.dev",
			Template: DefaultSandboxTemplate,
			Timeout:  model.Duration(5 * time.Minute),
			Image:    "node:20-bookworm",
		},
		Build: BuildConfig{
			ProvisionRetries: 3,
			ProvisionBackoff: model.Duration(time.Second),
			PreviewPort:      DefaultPreviewPort,
		},
		GitHub: GitHubConfig{
			APIBase:       "https://api.github.com",
			DefaultBranch: "main",
		},
	}
}

// Resolve normalizes fields that depend on one another.
func (c *Config) Resolve() error {
	if c.GitHub.DefaultBranch == "" {
		c.GitHub.DefaultBranch = "main"
	}
	if c.Build.PreviewPort == 0 {
		c.Build.PreviewPort = DefaultPreviewPort
	}
	return nil
}

// Printable returns a JSON representation of the config with secrets redacted.
func (c Config) Printable() ([]byte, error) {
	const hidden = "********"
	if c.Sandbox.APIKey != "" {
		c.Sandbox.APIKey = hidden
	}
	if c.GitHub.ClientSecret != "" {
		c.GitHub.ClientSecret = hidden
	}
	bs, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return bs, nil
}
