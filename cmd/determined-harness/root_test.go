package main

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"gotest.tools/assert"

	"github.com/determined-ai/determined/harness/pkg/archive"
	"github.com/determined-ai/determined/harness/pkg/check"
	"github.com/determined-ai/determined/harness/pkg/model"
	"github.com/determined-ai/determined/harness/pkg/storage"
)

func TestUnmarshalConfigurationViaViper(t *testing.T) {
	raw := `
log:
  level: debug
max_retries: 2
preempt_mode: chief_only
collective_timeout: 90s
`
	assert.NilError(t, mergeConfigBytesIntoViper([]byte(raw)))
	conf, err := getConfig(v.AllSettings())
	assert.NilError(t, err)
	assert.NilError(t, check.Validate(conf))

	assert.Equal(t, conf.Log.Level, "debug")
	assert.Equal(t, conf.MaxRetries, 2)
	assert.Equal(t, conf.PreemptMode, "chief_only")
	assert.Equal(t, conf.CollectiveTimeoutDuration().Seconds(), 90.0)
	assert.Equal(t, conf.ClusterInfoPath, model.DefaultClusterInfoPath)
}

func TestGetConfigRejectsUnknownFields(t *testing.T) {
	_, err := getConfig(map[string]interface{}{"max_retry": 3})
	assert.ErrorContains(t, err, "cannot unmarshal configuration")
}

func TestConfigKeys(t *testing.T) {
	k := configKey{"log", "level"}
	assert.Equal(t, k.FlagName(), "log-level")
	assert.Equal(t, k.EnvName(), "DET_LOG_LEVEL")
	assert.Equal(t, k.AccessPath(), "log..level")

	k = configKey{"collective-timeout"}
	assert.Equal(t, k.EnvName(), "DET_COLLECTIVE_TIMEOUT")
	assert.Equal(t, k.AccessPath(), "collective_timeout")
}

func TestReadConfigFile(t *testing.T) {
	bs, err := readConfigFile("")
	assert.NilError(t, err)
	assert.Assert(t, bs == nil)

	_, err = readConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "error reading configuration file")
}

func TestReadHparams(t *testing.T) {
	hparams, err := readHparams("")
	assert.NilError(t, err)
	assert.Equal(t, len(hparams), 0)

	p := filepath.Join(t.TempDir(), "hparams.yaml")
	assert.NilError(t, os.WriteFile(p, []byte("lr: 0.1\nlayers: 4\n"), 0o600))
	hparams, err = readHparams(p)
	assert.NilError(t, err)
	assert.Equal(t, hparams["lr"], 0.1)
	assert.Equal(t, hparams["layers"], 4.0)
}

func TestCheckpointStorageFromFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "storage.yaml")
	assert.NilError(t, os.WriteFile(p, []byte("type: shared_fs\nhost_path: "+dir+"\n"), 0o600))

	checkpointFlags.storageConfig = p
	defer func() { checkpointFlags.storageConfig = "" }()

	sc, err := storageConfig()
	assert.NilError(t, err)
	assert.Equal(t, sc.Type(), "shared_fs")
	assert.Equal(t, sc.SharedFSConfig.HostPath, dir)
}

func TestExportCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := storage.NewSharedFSManager(t.TempDir())
	src := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(src, "state"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(src, "metadata.json"), []byte("{}"), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(src, "state", "w.bin"), []byte("w"), 0o600))
	assert.NilError(t, storage.Upload(ctx, m, src, "ckpt"))

	output := filepath.Join(t.TempDir(), "ckpt.zip")
	assert.NilError(t, exportCheckpoint(ctx, m, "ckpt", archive.Zip, output))

	zr, err := zip.OpenReader(output)
	assert.NilError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	assert.DeepEqual(t, names, []string{"metadata.json", "state/w.bin"})

	missing := filepath.Join(t.TempDir(), "missing.zip")
	err = exportCheckpoint(ctx, m, "missing", archive.Zip, missing)
	assert.ErrorContains(t, err, "not found")
	_, err = os.Stat(missing)
	assert.Assert(t, os.IsNotExist(err))
}
