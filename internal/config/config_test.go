package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/stretchr/testify/require"

	"github.com/PotLock/zerobuild/pkg/check"
	"github.com/PotLock/zerobuild/pkg/model"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Resolve())
	require.NoError(t, check.Validate(c))
}

func TestYAMLOverridesDefaults(t *testing.T) {
	raw := `
port: 9000
session:
  capacity: 4
  idle_timeout: 30s
sandbox:
  provider: docker
  image: node:22
`
	c := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(raw), c))
	require.NoError(t, c.Resolve())
	require.NoError(t, check.Validate(c))

	require.Equal(t, 9000, c.Port)
	require.Equal(t, 4, c.Session.Capacity)
	require.Equal(t, model.Duration(30*time.Second), c.Session.IdleTimeout)
	require.Equal(t, "docker", c.Sandbox.Provider)
	require.Equal(t, "node:22", c.Sandbox.Image)
	// Untouched defaults survive the merge.
	require.Equal(t, "main", c.GitHub.DefaultBranch)
	require.Equal(t, model.Duration(time.Hour), c.Session.MaxIdleAge)
}

func TestValidateRejectsBadProviderAndCapacity(t *testing.T) {
	c := DefaultConfig()
	c.Sandbox.Provider = "lambda"
	c.Session.Capacity = 0
	err := check.Validate(c)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sandbox.provider")
	require.Contains(t, err.Error(), "session.capacity")
}

func TestPrintableRedactsSecrets(t *testing.T) {
	c := DefaultConfig()
	c.Sandbox.APIKey = "e2b-key"
	c.GitHub.ClientSecret = "oauth-secret"
	bs, err := c.Printable()
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(bs, &out))
	require.NotContains(t, string(bs), "e2b-key")
	require.NotContains(t, string(bs), "oauth-secret")
}
