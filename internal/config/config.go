// Package config holds the process configuration of the harness binary.
package config

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/core"
	"github.com/determined-ai/determined/harness/pkg/logger"
	"github.com/determined-ai/determined/harness/pkg/model"
)

// Config is the configuration of the harness. Every field can be set from a config file, a
// DET_* environment variable or a flag.
type Config struct {
	ConfigFile        string        `json:"config_file"`
	Log               logger.Config `json:"log"`
	MasterURL         string        `json:"master_url"`
	ClusterInfoPath   string        `json:"cluster_info_path"`
	MaxRetries        int           `json:"max_retries"`
	StagingDir        string        `json:"staging_dir"`
	MetricsListenAddr string        `json:"metrics_listen_addr"`
	PreemptMode       string        `json:"preempt_mode"`
	CollectiveTimeout string        `json:"collective_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log:               *logger.DefaultConfig(),
		ClusterInfoPath:   model.DefaultClusterInfoPath,
		MaxRetries:        5,
		PreemptMode:       string(core.PreemptModeWorkersAskChief),
		CollectiveTimeout: "30m",
	}
}

// Validate implements the check.Validatable interface. Nested configs validate themselves.
func (c Config) Validate() []error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, errors.Errorf("max_retries must be at least 0, got %d", c.MaxRetries))
	}
	switch core.PreemptMode(c.PreemptMode) {
	case core.PreemptModeChiefOnly, core.PreemptModeWorkersAskChief:
	default:
		errs = append(errs, errors.Errorf("preempt_mode must be %q or %q, got %q",
			core.PreemptModeChiefOnly, core.PreemptModeWorkersAskChief, c.PreemptMode))
	}
	if _, err := c.collectiveTimeout(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (c Config) collectiveTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.CollectiveTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "invalid collective_timeout")
	}
	if d <= 0 {
		return 0, errors.Errorf("collective_timeout must be positive, got %s", d)
	}
	return d, nil
}

// CollectiveTimeoutDuration is the parsed collective timeout. Call it on a validated Config.
func (c Config) CollectiveTimeoutDuration() time.Duration {
	d, _ := c.collectiveTimeout()
	return d
}

// Printable returns a JSON rendering of the configuration for logging.
func (c Config) Printable() ([]byte, error) {
	bs, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return bs, nil
}

// ClusterInfo reads the cluster info file. It returns nil when the process runs off-cluster. A
// configured master URL overrides the one in the file.
func (c Config) ClusterInfo() (*model.ClusterInfo, error) {
	info, err := model.LoadClusterInfo(c.ClusterInfoPath)
	if err != nil || info == nil {
		return nil, err
	}
	if c.MasterURL != "" {
		info.MasterURL = c.MasterURL
	}
	return info, nil
}

// InitOptions translates the configuration into options for core.Init.
func (c Config) InitOptions() core.InitOptions {
	retries := uint64(c.MaxRetries)
	return core.InitOptions{
		PreemptMode: core.PreemptMode(c.PreemptMode),
		StagingDir:  c.StagingDir,
		MaxRetries:  &retries,
	}
}
