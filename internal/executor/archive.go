package executor

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

var ErrUnsafePath = errors.New("path escapes the job directory")

// archiveFS is the slice of a remote filesystem the cache archives need.
type archiveFS interface {
	Stat(name string) (fs.FileInfo, error)
	ReadDir(name string) ([]fs.FileInfo, error)
	Open(name string) (io.ReadCloser, error)
	MkdirAll(name string) error
	Create(name string, mode fs.FileMode) (io.WriteCloser, error)
}

type sftpFS struct {
	c *sftp.Client
}

func (s sftpFS) Stat(name string) (fs.FileInfo, error)      { return s.c.Stat(name) }
func (s sftpFS) ReadDir(name string) ([]fs.FileInfo, error) { return s.c.ReadDir(name) }
func (s sftpFS) MkdirAll(name string) error                 { return s.c.MkdirAll(name) }

func (s sftpFS) Open(name string) (io.ReadCloser, error) {
	return s.c.Open(name)
}

func (s sftpFS) Create(name string, mode fs.FileMode) (io.WriteCloser, error) {
	f, err := s.c.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// relative cleans a workdir-relative path and rejects anything that would
// leave the workdir.
func relative(p string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(p, "./"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, p)
	}
	return clean, nil
}

// tarPaths archives paths under dir. Archive entry names are relative to
// dir. Paths that do not exist are skipped.
func tarPaths(ctx context.Context, fsys archiveFS, dir string, paths []string, w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, p := range paths {
		rel, err := relative(p)
		if err != nil {
			return err
		}
		info, err := fsys.Stat(path.Join(dir, rel))
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", rel).Msg("cache path does not exist, skipping")
			continue
		}
		if err != nil {
			return err
		}
		if err := addEntry(ctx, fsys, tw, dir, rel, info); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addEntry(ctx context.Context, fsys archiveFS, tw *tar.Writer, dir, rel string, info fs.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := path.Join(dir, rel)
	switch {
	case info.IsDir():
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     rel + "/",
			Mode:     int64(info.Mode().Perm()),
			ModTime:  info.ModTime(),
		}); err != nil {
			return err
		}
		children, err := fsys.ReadDir(full)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := addEntry(ctx, fsys, tw, dir, path.Join(rel, child.Name()), child); err != nil {
				return err
			}
		}
		return nil
	case info.Mode().IsRegular():
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     rel,
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		}); err != nil {
			return err
		}
		f, err := fsys.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}
	// symlinks and devices are not cached
	return nil
}

// untar unpacks r into dir. Entries escaping dir fail the whole restore.
func untar(ctx context.Context, fsys archiveFS, dir string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := relative(h.Name)
		if err != nil {
			return err
		}
		target := path.Join(dir, rel)

		switch h.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := fsys.MkdirAll(path.Dir(target)); err != nil {
				return err
			}
			f, err := fsys.Create(target, fs.FileMode(h.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
