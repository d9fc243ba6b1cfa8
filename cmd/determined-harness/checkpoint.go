package main

import (
	"context"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/determined/harness/pkg/archive"
	"github.com/determined-ai/determined/harness/pkg/model"
	"github.com/determined-ai/determined/harness/pkg/storage"
)

var checkpointFlags struct {
	storageConfig string
	onHost        bool
	dest          string
	archiveType   string
	output        string
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage checkpoints in checkpoint storage",
}

var checkpointDownloadCmd = &cobra.Command{
	Use:   "download <storage-id>",
	Short: "Download a checkpoint into a local directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(m storage.Manager) error {
			dest := checkpointFlags.dest
			if dest == "" {
				dest = args[0]
			}
			if err := storage.Download(cmd.Context(), m, args[0], dest); err != nil {
				return err
			}
			log.Infof("downloaded checkpoint %s to %s", args[0], dest)
			return nil
		})
	},
}

var checkpointExportCmd = &cobra.Command{
	Use:   "export <storage-id>",
	Short: "Write a checkpoint as a single archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := archive.Type(checkpointFlags.archiveType)
		switch t {
		case archive.Tar, archive.Tgz, archive.Zip:
		default:
			return errors.Errorf("unsupported archive type %q", t)
		}
		output := checkpointFlags.output
		if output == "" {
			output = args[0] + "." + string(t)
		}
		return withStorage(cmd.Context(), func(m storage.Manager) error {
			return exportCheckpoint(cmd.Context(), m, args[0], t, output)
		})
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <storage-id>",
	Short: "Delete a checkpoint from checkpoint storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(m storage.Manager) error {
			if err := storage.Delete(cmd.Context(), m, args[0]); err != nil {
				return err
			}
			log.Infof("deleted checkpoint %s", args[0])
			return nil
		})
	},
}

//nolint:gochecknoinit
func init() {
	pflags := checkpointCmd.PersistentFlags()
	pflags.StringVar(&checkpointFlags.storageConfig, "storage-config", "",
		"YAML or JSON checkpoint storage config (default: the trial's config from the cluster info)")
	pflags.BoolVar(&checkpointFlags.onHost, "on-host", false,
		"resolve shared_fs storage against host_path instead of the container mount")

	checkpointDownloadCmd.Flags().StringVar(&checkpointFlags.dest, "dest", "",
		"directory to download into (default: the storage id)")
	checkpointExportCmd.Flags().StringVar(&checkpointFlags.archiveType, "type", string(archive.Tgz),
		"archive format [tar, tgz, zip]")
	checkpointExportCmd.Flags().StringVar(&checkpointFlags.output, "output", "",
		"archive path (default: <storage-id>.<type>)")

	checkpointCmd.AddCommand(checkpointDownloadCmd, checkpointExportCmd, checkpointDeleteCmd)
}

// storageConfig resolves the checkpoint storage from --storage-config or the cluster info.
func storageConfig() (model.CheckpointStorageConfig, error) {
	var sc model.CheckpointStorageConfig
	if checkpointFlags.storageConfig != "" {
		bs, err := os.ReadFile(checkpointFlags.storageConfig)
		if err != nil {
			return sc, errors.Wrap(err, "reading storage config")
		}
		if err := yaml.Unmarshal(bs, &sc); err != nil {
			return sc, errors.Wrapf(err, "parsing storage config %s", checkpointFlags.storageConfig)
		}
		return sc, nil
	}

	info, err := cfg.ClusterInfo()
	if err != nil {
		return sc, err
	}
	if info == nil || info.Trial == nil || info.Trial.Config.CheckpointStorage == nil {
		return sc, errors.New("no checkpoint storage configured: pass --storage-config")
	}
	return *info.Trial.Config.CheckpointStorage, nil
}

func withStorage(ctx context.Context, fn func(storage.Manager) error) error {
	sc, err := storageConfig()
	if err != nil {
		return err
	}
	m, err := storage.Build(ctx, sc, storage.BuildOptions{OnHost: checkpointFlags.onHost})
	if err != nil {
		return err
	}
	if c, ok := m.(interface{ Close() error }); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.WithError(err).Warn("closing checkpoint storage")
			}
		}()
	}
	return fn(m)
}

func exportCheckpoint(
	ctx context.Context, m storage.Manager, storageID string, t archive.Type, output string,
) (err error) {
	f, err := os.Create(output) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "creating archive")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	aw, err := archive.NewWriter(f, t)
	if err != nil {
		return err
	}
	if err := storage.Export(ctx, m, storageID, aw); err != nil {
		_ = aw.Close()
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}
	log.Infof("exported checkpoint %s to %s", storageID, output)
	return nil
}
