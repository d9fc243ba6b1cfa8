// Package logger configures the process-wide logrus logger of a training worker.
package logger

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// DefaultConfig returns the default configuration of logger.
func DefaultConfig() *Config {
	return &Config{
		Level: "info",
		Color: false,
	}
}

// Config is the configuration of logger.
type Config struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return []error{err}
	}
	return nil
}

// SetLogrus applies c to the global logrus logger. Worker output is interleaved by the log
// shipper, so timestamps are always printed in full.
func SetLogrus(c Config) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		panic(fmt.Sprintf("invalid log level: %s", c.Level))
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   c.Color,
		DisableColors: !c.Color,
	})
}

// RankHook tags every entry with the distributed rank of the process so that the interleaved
// output of many workers can be told apart.
type RankHook struct {
	Rank int
}

// Levels implements logrus.Hook.
func (h RankHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h RankHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["rank"]; !ok {
		e.Data["rank"] = h.Rank
	}
	return nil
}

// ForRank installs a RankHook on the global logger. Non-chief ranks are quieted to warnings
// unless quiet is false.
func ForRank(rank int, quiet bool) {
	logrus.AddHook(RankHook{Rank: rank})
	if quiet && rank != 0 && logrus.GetLevel() > logrus.WarnLevel {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

// Capture redirects the global logger to w until the returned func is called. It is meant for
// tests asserting on warnings.
func Capture(w io.Writer) func() {
	prev := logrus.StandardLogger().Out
	logrus.SetOutput(w)
	return func() {
		logrus.SetOutput(prev)
	}
}
