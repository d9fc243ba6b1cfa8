// Package archive writes checkpoint directories as tar, gzipped tar or zip files.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

// Type is an archive file format.
type Type string

// Supported archive formats.
const (
	Tar Type = "tar"
	Tgz Type = "tgz"
	Zip Type = "zip"
)

// copyBufferSize is the chunk size used when copying file contents into an archive.
const copyBufferSize = 5 * units.MiB

// FileEntry is a file in an archive.
type FileEntry struct {
	// Path is the slash-separated path of the file relative to the archive root.
	Path string
	// Size is the size of the file in bytes.
	Size int64
}

// Writer creates an archive file entry by entry.
type Writer interface {
	WriteHeader(path string, size int64) error
	Write(b []byte) (int, error)
	Close() error
}

// NewWriter returns a Writer producing an archive of type t on w. Closing the Writer flushes
// every layer but does not close w.
func NewWriter(w io.Writer, t Type) (Writer, error) {
	switch t {
	case Tar:
		return newTarWriter(w), nil
	case Tgz:
		gz := gzip.NewWriter(w)
		tw := newTarWriter(gz)
		tw.closers = append(tw.closers, gz)
		return tw, nil
	case Zip:
		return &zipWriter{zw: zip.NewWriter(w)}, nil
	default:
		return nil, fmt.Errorf("archive type must be %s, %s, or %s: got %q", Tar, Tgz, Zip, t)
	}
}

type tarWriter struct {
	tw      *tar.Writer
	closers []io.Closer
}

func newTarWriter(w io.Writer) *tarWriter {
	tw := tar.NewWriter(w)
	return &tarWriter{tw: tw, closers: []io.Closer{tw}}
}

func (t *tarWriter) WriteHeader(path string, size int64) error {
	hdr := &tar.Header{Name: path, Mode: 0o644, Size: size, Typeflag: tar.TypeReg}
	if strings.HasSuffix(path, "/") {
		hdr.Mode, hdr.Typeflag, hdr.Size = 0o755, tar.TypeDir, 0
	}
	return t.tw.WriteHeader(hdr)
}

func (t *tarWriter) Write(p []byte) (int, error) {
	return t.tw.Write(p)
}

// Close closes the tar layer first, then any compression layer under it.
func (t *tarWriter) Close() error {
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

type zipWriter struct {
	zw      *zip.Writer
	current io.Writer
}

func (z *zipWriter) WriteHeader(path string, _ int64) error {
	w, err := z.zw.Create(path)
	if err != nil {
		return err
	}
	z.current = w
	return nil
}

func (z *zipWriter) Write(p []byte) (int, error) {
	if z.current == nil {
		return 0, errors.New("zip entry written before its header")
	}
	return z.current.Write(p)
}

func (z *zipWriter) Close() error {
	return z.zw.Close()
}

// ListFiles returns the regular files under dir, relative to it, in lexical order.
func ListFiles(ctx context.Context, dir string) ([]FileEntry, error) {
	var files []FileEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing files in %s", dir)
	}
	return files, nil
}

// WriteDir adds every regular file under dir to aw.
func WriteDir(ctx context.Context, aw Writer, dir string) error {
	files, err := ListFiles(ctx, dir)
	if err != nil {
		return err
	}
	buf := make([]byte, copyBufferSize)
	for _, f := range files {
		if err := writeFile(ctx, aw, dir, f, buf); err != nil {
			return errors.Wrapf(err, "archiving %s", f.Path)
		}
	}
	return nil
}

func writeFile(ctx context.Context, aw Writer, dir string, f FileEntry, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(filepath.Join(dir, filepath.FromSlash(f.Path))) // #nosec G304
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()
	if err := aw.WriteHeader(f.Path, f.Size); err != nil {
		return err
	}
	n, err := io.CopyBuffer(aw, io.LimitReader(src, f.Size), buf)
	if err != nil {
		return err
	}
	if n != f.Size {
		return errors.Errorf("file changed while archiving: wrote %d of %d bytes", n, f.Size)
	}
	return nil
}
