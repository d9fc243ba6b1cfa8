package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/determined/harness/pkg/archive"
	"github.com/determined-ai/determined/harness/pkg/model"
	"github.com/determined-ai/determined/harness/pkg/ptrs"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
}

func readFiles(t *testing.T, dir string) map[string]string {
	files, err := archive.ListFiles(context.Background(), dir)
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range files {
		bs, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		require.NoError(t, err)
		out[f.Path] = string(bs)
	}
	return out
}

func TestSharedFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewSharedFSManager(t.TempDir())

	// Two ranks upload disjoint files into the same checkpoint.
	rank0, rank1 := t.TempDir(), t.TempDir()
	writeFiles(t, rank0, map[string]string{"metadata.json": "{}", "state/model.bin": "weights"})
	writeFiles(t, rank1, map[string]string{"state/optimizer-1.bin": "opt"})
	require.NoError(t, Upload(ctx, m, rank0, "ckpt-1"))
	require.NoError(t, Upload(ctx, m, rank1, "ckpt-1"))

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, Download(ctx, m, "ckpt-1", dst))
	require.Equal(t, map[string]string{
		"metadata.json":         "{}",
		"state/model.bin":       "weights",
		"state/optimizer-1.bin": "opt",
	}, readFiles(t, dst))

	require.NoError(t, Delete(ctx, m, "ckpt-1"))
	_, err := os.Stat(m.Path("ckpt-1"))
	require.True(t, os.IsNotExist(err))
}

func TestSharedFSNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewSharedFSManager(t.TempDir())

	err := Download(ctx, m, "missing", t.TempDir())
	require.ErrorIs(t, err, ErrNotFound)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "download", serr.Op)
	require.Equal(t, "shared_fs", serr.Backend)
	require.Equal(t, "missing", serr.StorageID)

	err = Delete(ctx, m, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWrapKeepsInnermostError(t *testing.T) {
	m := NewSharedFSManager("/nonexistent")
	inner := &Error{Op: "upload", Backend: "s3", StorageID: "x", Err: io.ErrUnexpectedEOF}
	require.Same(t, inner, wrap("export", m, "x", inner))
	require.Nil(t, wrap("export", m, "x", nil))
}

func TestResources(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "12345", "sub/b.txt": "1"})
	res, err := Resources(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a.txt": 5, "sub/b.txt": 1}, res)
}

func TestExportTgz(t *testing.T) {
	ctx := context.Background()
	m := NewSharedFSManager(t.TempDir())
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"metadata.json": `{"steps_completed":3}`, "state/w": "x"})
	require.NoError(t, Upload(ctx, m, src, "ckpt"))

	var buf bytes.Buffer
	aw, err := archive.NewWriter(&buf, archive.Tgz)
	require.NoError(t, err)
	require.NoError(t, Export(ctx, m, "ckpt", aw))
	require.NoError(t, aw.Close())

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		bs, err := io.ReadAll(tr)
		require.NoError(t, err)
		got[hdr.Name] = string(bs)
	}
	require.Equal(t, map[string]string{"metadata.json": `{"steps_completed":3}`, "state/w": "x"}, got)
}

func TestBuildSharedFS(t *testing.T) {
	cfg := model.CheckpointStorageConfig{SharedFSConfig: &model.SharedFSConfig{
		HostPath:    "/mnt/nfs",
		StoragePath: ptrs.Ptr("ckpts"),
	}}

	m, err := Build(context.Background(), cfg, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, "shared_fs", m.Backend())
	require.Equal(t, "/determined_shared_fs/ckpts/abc", m.(*SharedFSManager).Path("abc"))

	m, err = Build(context.Background(), cfg, BuildOptions{OnHost: true})
	require.NoError(t, err)
	require.Equal(t, "/mnt/nfs/ckpts/abc", m.(*SharedFSManager).Path("abc"))

	_, err = Build(context.Background(), model.CheckpointStorageConfig{}, BuildOptions{})
	require.Error(t, err)
}

func TestBuildS3(t *testing.T) {
	m, err := Build(context.Background(), model.CheckpointStorageConfig{S3Config: &model.S3Config{
		Bucket:      "bucket",
		AccessKey:   ptrs.Ptr("key"),
		SecretKey:   ptrs.Ptr("secret"),
		EndpointURL: ptrs.Ptr("http://127.0.0.1:9000"),
	}}, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, "s3", m.Backend())
}

func TestObjectKeys(t *testing.T) {
	cases := []struct {
		prefix *string
		rel    string
		key    string
	}{
		{nil, "state/w.bin", "id/state/w.bin"},
		{ptrs.Ptr(""), "metadata.json", "id/metadata.json"},
		{ptrs.Ptr("/team/a/"), "metadata.json", "team/a/id/metadata.json"},
		{ptrs.Ptr("team"), "", "team/id"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.key, objectKey(tc.prefix, "id", tc.rel))
	}
	require.Equal(t, "team/id/", objectPrefix(ptrs.Ptr("team"), "id"))
	require.Equal(t, "id/", objectPrefix(nil, "id"))
}
