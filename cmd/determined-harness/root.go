package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/ghodss/yaml"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/determined/harness/internal/config"
	"github.com/determined-ai/determined/harness/internal/prom"
	"github.com/determined-ai/determined/harness/pkg/check"
	"github.com/determined-ai/determined/harness/pkg/logger"
)

// cfg is the validated configuration, set before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "determined-harness",
	Short:         "Tools for the worker side of Determined tasks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := initializeConfig()
		if err != nil {
			return err
		}
		cfg = c
		logger.SetLogrus(cfg.Log)

		printableConfig, err := cfg.Printable()
		if err != nil {
			return err
		}
		log.Debugf("harness configuration: %s", printableConfig)

		if cfg.MetricsListenAddr != "" {
			if _, err := serveMetrics(cfg.MetricsListenAddr); err != nil {
				return err
			}
		}
		return nil
	},
}

// initializeConfig returns the validated configuration populated from config file, environment
// variables, and command line flags.
func initializeConfig() (*config.Config, error) {
	// Fetch an initial config to get the config file path and read its settings into Viper.
	initialConfig, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	bs, err := readConfigFile(initialConfig.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err = mergeConfigBytesIntoViper(bs); err != nil {
		return nil, err
	}

	conf, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}
	if err := check.Validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	if configPath == "" {
		return nil, nil
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}

func mergeConfigBytesIntoViper(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "error unmarshal yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "error merge configuration to viper")
	}
	return nil
}

func getConfig(configMap map[string]interface{}) (*config.Config, error) {
	conf := config.DefaultConfig()
	bs, err := json.Marshal(configMap)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	if err = yaml.Unmarshal(bs, &conf, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return conf, nil
}

// serveMetrics exposes the harness collectors on addr until the process exits.
func serveMetrics(addr string) (*echo.Echo, error) {
	registry := prometheus.NewRegistry()
	if err := prom.Register(registry); err != nil {
		return nil, errors.Wrap(err, "registering metrics")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorf("metrics server on %s stopped", addr)
		}
	}()
	log.Infof("serving metrics on %s", addr)
	return e, nil
}

func printYAML(obj interface{}) error {
	bs, err := yaml.Marshal(obj)
	if err != nil {
		return err
	}
	fmt.Print(string(bs))
	return nil
}
