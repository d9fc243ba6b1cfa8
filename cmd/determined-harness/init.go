package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/determined-ai/determined/harness/internal/config"
)

var v *viper.Viper

// viperKeyDelimiter marks nested values in the configuration. It is ".." rather than "." so that
// keys may contain a single dot.
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	registerConfig()
	rootCmd.AddCommand(infoCmd, searcherCmd, checkpointCmd)
}

type configKey []string

func (c configKey) EnvName() string {
	return "DET_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
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

	// Register flags and environment variables, and set default values for the flags.
	flags := rootCmd.PersistentFlags()
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")

	registerString(flags, name("log", "level"),
		defaults.Log.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		defaults.Log.Color, "output logs in color")

	registerString(flags, name("master-url"),
		defaults.MasterURL, "override the controller URL from the cluster info")
	registerString(flags, name("cluster-info-path"),
		defaults.ClusterInfoPath, "location of the cluster info file")
	registerInt(flags, name("max-retries"),
		defaults.MaxRetries, "attempts per controller request before giving up")
	registerString(flags, name("staging-dir"),
		defaults.StagingDir, "directory for checkpoint staging (default: system temp dir)")
	registerString(flags, name("metrics-listen-addr"),
		defaults.MetricsListenAddr, "serve Prometheus metrics on this address")
	registerString(flags, name("preempt-mode"),
		defaults.PreemptMode, "how workers learn about preemption [chief_only, workers_ask_chief]")
	registerString(flags, name("collective-timeout"),
		defaults.CollectiveTimeout, "how long a collective may wait for every rank")
}
