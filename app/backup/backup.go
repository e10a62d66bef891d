// Package backup archives a source directory or file into a single tar file.
// All failures are returned as part of Result, Execute never panics.
package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Executor makes archives in Dir. The archive name is deterministic, <Dir>/<name>.tar or <Dir>/<name>.tar.gz
// with Compress, and the existing archive with the same name is replaced.
type Executor struct {
	Dir      string
	Compress bool
}

// Result of a single Execute call. Err is nil on success.
type Result struct {
	Source   string
	Archive  string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Success returns true if archive was made
func (r Result) Success() bool { return r.Err == nil }

// Duration returns how long the execution took
func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Ext returns archive extension, without the leading dot
func (e *Executor) Ext() string {
	if e.Compress {
		return "tar.gz"
	}
	return "tar"
}

// ArchivePath returns the location of the archive for given backup name
func (e *Executor) ArchivePath(name string) string {
	return filepath.Join(e.Dir, name+"."+e.Ext())
}

// Execute archives source to ArchivePath(name). The single top-level entry of the archive is the base name
// of source. Archive is written to a temp file and renamed on success, so failed execution keeps
// the previous archive with the same name intact.
func (e *Executor) Execute(source, name string) (res Result) {
	res = Result{Source: source, Archive: e.ArchivePath(name), Started: time.Now()}
	defer func() {
		if x := recover(); x != nil {
			res.Err = fmt.Errorf("can't archive %s: panic: %v", source, x)
		}
		res.Finished = time.Now()
	}()

	if err := e.archive(source, res.Archive); err != nil {
		res.Err = fmt.Errorf("can't archive %s: %w", source, err)
	}
	return res
}

func (e *Executor) archive(source, dest string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("can't make temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	var w io.Writer = tmp
	var gz *gzip.Writer
	if e.Compress {
		gz = gzip.NewWriter(tmp)
		w = gz
	}

	tw := tar.NewWriter(w)
	if err = addTree(tw, source, tmpName); err != nil {
		return err
	}
	if err = tw.Close(); err != nil {
		return fmt.Errorf("can't close tar: %w", err)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return fmt.Errorf("can't close gzip: %w", err)
		}
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("can't close %s: %w", tmpName, err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("can't set mode for %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("can't rename %s to %s: %w", tmpName, dest, err)
	}
	return nil
}

// addTree writes source and everything under it to tw, names relative to the parent of source.
// skip is the archive being written, in case it lives inside source. It is matched by file identity,
// source and skip may be given as relative and absolute paths to the same location.
func addTree(tw *tar.Writer, source, skip string) error {
	skipInfo, err := os.Stat(skip)
	if err != nil {
		return fmt.Errorf("can't stat temp archive %s: %w", skip, err)
	}
	base := filepath.Base(filepath.Clean(source))
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if os.SameFile(info, skipInfo) {
			return nil
		}
		if info.Mode()&os.ModeSocket != 0 {
			return nil // tar can't keep sockets
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.Join(base, rel)
		}
		return addEntry(tw, path, filepath.ToSlash(name), info)
	})
}

func addEntry(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("can't make header for %s: %w", path, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err = tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("can't write header for %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	fh, err := os.Open(path) //nolint:gosec // path comes from the walk of the backup source
	if err != nil {
		return err
	}
	defer fh.Close() //nolint:errcheck // read only
	if _, err = io.Copy(tw, fh); err != nil {
		return fmt.Errorf("can't copy %s: %w", path, err)
	}
	return nil
}
