package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/PotLock/zerobuild/internal/config"
	"github.com/PotLock/zerobuild/pkg/version"
)

var v *viper.Viper

// viperKeyDelimiter marks nested values in the configuration. ".." is used instead of "." so
// configuration keys may themselves contain dots without viper treating them as nesting.
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	rootCmd.Version = version.Version
	registerConfig()
}

type configKey []string

func (c configKey) EnvName() string {
	return "ZB_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerConfig() {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultConfig()

	flags := rootCmd.Flags()
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")

	registerString(flags, name("log", "level"),
		defaults.Log.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		defaults.Log.Color, "output logs in color")

	registerInt(flags, name("port"),
		defaults.Port, "server port")
	registerString(flags, name("db-path"),
		defaults.DBPath, "path of the sqlite database file")

	registerInt(flags, name("session", "capacity"),
		defaults.Session.Capacity, "maximum number of concurrent build sessions")

	registerString(flags, name("sandbox", "provider"),
		defaults.Sandbox.Provider, "sandbox provider (remote, docker)")
	registerString(flags, name("sandbox", "api-base"),
		defaults.Sandbox.APIBase, "sandbox provider API base URL")
	registerString(flags, name("sandbox", "api-key"),
		defaults.Sandbox.APIKey, "sandbox provider API key")
	registerString(flags, name("sandbox", "template"),
		defaults.Sandbox.Template, "sandbox template name")
	registerString(flags, name("sandbox", "image"),
		defaults.Sandbox.Image, "container image for the docker provider")

	registerInt(flags, name("build", "preview-port"),
		defaults.Build.PreviewPort, "port the preview server listens on inside the sandbox")

	registerString(flags, name("github", "api-base"),
		defaults.GitHub.APIBase, "source-control host API base URL")
	registerString(flags, name("github", "client-id"),
		defaults.GitHub.ClientID, "OAuth app client id")
	registerString(flags, name("github", "client-secret"),
		defaults.GitHub.ClientSecret, "OAuth app client secret")
	registerString(flags, name("github", "default-branch"),
		defaults.GitHub.DefaultBranch, "branch deployments push to")
}
