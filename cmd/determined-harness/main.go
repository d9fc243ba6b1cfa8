package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/logger"
)

func main() {
	logger.SetLogrus(*logger.DefaultConfig())

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("fatal error running the Determined harness")
		os.Exit(1)
	}
}
