package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/determined/harness/pkg/core"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/searcher"
)

var searcherFlags struct {
	experimentID int
	maxLength    uint64
	seed         uint32
	hparamsFile  string
}

var searcherCmd = &cobra.Command{
	Use:   "searcher",
	Short: "Run a search method against the controller",
}

var searcherRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a single-trial search for an experiment until it shuts down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runSearcher(ctx)
	},
}

//nolint:gochecknoinit
func init() {
	flags := searcherRunCmd.Flags()
	flags.IntVar(&searcherFlags.experimentID, "experiment-id", 0, "experiment whose searcher events to handle")
	flags.Uint64Var(&searcherFlags.maxLength, "max-length", 0, "length to train the trial for, in searcher units")
	flags.Uint32Var(&searcherFlags.seed, "seed", 0, "seed of the searcher's random source")
	flags.StringVar(&searcherFlags.hparamsFile, "hparams", "", "YAML or JSON file of trial hyperparameters")
	_ = searcherRunCmd.MarkFlagRequired("experiment-id")
	_ = searcherRunCmd.MarkFlagRequired("max-length")
	searcherCmd.AddCommand(searcherRunCmd)
}

func readHparams(path string) (map[string]interface{}, error) {
	hparams := map[string]interface{}{}
	if path == "" {
		return hparams, nil
	}
	bs, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "reading hyperparameters")
	}
	if err := yaml.Unmarshal(bs, &hparams); err != nil {
		return nil, errors.Wrapf(err, "parsing hyperparameters from %s", path)
	}
	return hparams, nil
}

func runSearcher(ctx context.Context) (err error) {
	info, err := cfg.ClusterInfo()
	if err != nil {
		return err
	} else if info == nil {
		return errors.New("the searcher must run on a cluster: no cluster info found")
	}
	hparams, err := readHparams(searcherFlags.hparamsFile)
	if err != nil {
		return err
	}

	dist, err := distributed.FromEnv(ctx, os.LookupEnv, distributed.EnvOptions{
		AllocationID:      string(info.AllocationID),
		ChiefAddr:         info.ChiefAddr(),
		CollectiveTimeout: cfg.CollectiveTimeoutDuration(),
	})
	if err != nil {
		return err
	}
	opts := cfg.InitOptions()
	opts.Distributed = dist
	c, err := core.Init(ctx, info, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}()

	// Snapshots are stored collectively, so every rank would have to drive the runner.
	if size := c.Distributed.Size(); size > 1 {
		return errors.Errorf("the searcher runs in a single process, got %d ranks", size)
	}

	s := searcher.NewSearcher(searcherFlags.seed, searcher.NewSingleSearch(searcherFlags.maxLength), hparams)
	runner := searcher.NewRemoteRunner(c.Session, searcherFlags.experimentID, s, c.Checkpoint)
	if info.LatestCheckpoint != nil {
		if err := runner.Restore(ctx, *info.LatestCheckpoint); err != nil {
			return err
		}
	}
	if err := runner.Run(ctx); err != nil {
		return err
	}
	log.Infof("search finished, last snapshot %q", runner.LatestCheckpoint())
	return nil
}
